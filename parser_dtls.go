package sniproxy

import (
	"encoding/binary"

	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/handshake"
)

// DTLS record and handshake layout constants. The content-type and
// handshake-type values themselves come from pion/dtls/v2's protocol
// packages rather than being re-declared here: this parser only ever
// inspects the plaintext ClientHello that precedes any DTLS key exchange,
// it never drives a handshake or decrypts application data, so pulling in
// pion/dtls costs nothing beyond its constant definitions.
const (
	dtlsRecordHeaderLen = 13 // type(1) version(2) epoch(2) seq(6) length(2)
	dtlsLengthOffset    = 11
	// handshake header: type(1) length(3) message_seq(2) fragment_offset(3)
	// fragment_length(3) version(2) random(32) — the fixed portion before
	// the session_id length byte is 46 bytes, 8 more
	// than TLS's 38 to account for message_seq and the two fragment
	// fields.
	dtlsFixedSkip = 46
)

// DTLSParser extracts the SNI hostname from a DTLS ClientHello, per §4.1.
type DTLSParser struct{}

var _ HandshakeParser = DTLSParser{}

// AbortMessage returns the DTLS variant of the fatal handshake_failure
// alert.
func (DTLSParser) AbortMessage() []byte { return DTLSAbortMessage }

// Parse implements HandshakeParser for DTLS ClientHello datagrams.
func (DTLSParser) Parse(data []byte) (string, int, error) {
	if len(data) < dtlsRecordHeaderLen {
		return "", 0, newParseError("dtls", ErrIncomplete, "short record header")
	}
	if protocol.ContentType(data[0]) != protocol.ContentTypeHandshake {
		return "", 0, newParseError("dtls", ErrMalformed, "not a handshake record")
	}
	if data[1] != 0xfe || data[2] != 0xfd {
		return "", 0, newParseError("dtls", ErrMalformed, "not DTLS 1.2")
	}

	recordLen := int(binary.BigEndian.Uint16(data[dtlsLengthOffset : dtlsLengthOffset+2]))
	total := dtlsRecordHeaderLen + recordLen
	if len(data) < total {
		return "", 0, newParseError("dtls", ErrIncomplete, "record body incomplete")
	}

	body := data[dtlsRecordHeaderLen:total]
	if len(body) < 1 || handshake.Type(body[0]) != handshake.TypeClientHello {
		return "", 0, newParseError("dtls", ErrMalformed, "not a ClientHello")
	}

	off := dtlsFixedSkip
	if off > len(body) {
		return "", 0, newParseError("dtls", ErrMalformed, "truncated fixed header")
	}

	var err error
	// Session ID.
	off, err = skipLenPrefixed(body, off, 1)
	if err != nil {
		return "", 0, newParseError("dtls", ErrMalformed, "session id: "+err.Error())
	}
	// Cookie (DTLS-only field, absent from TLS).
	off, err = skipLenPrefixed(body, off, 1)
	if err != nil {
		return "", 0, newParseError("dtls", ErrMalformed, "cookie: "+err.Error())
	}
	// Cipher suites.
	off, err = skipLenPrefixed(body, off, 2)
	if err != nil {
		return "", 0, newParseError("dtls", ErrMalformed, "cipher suites: "+err.Error())
	}
	// Compression methods.
	off, err = skipLenPrefixed(body, off, 1)
	if err != nil {
		return "", 0, newParseError("dtls", ErrMalformed, "compression methods: "+err.Error())
	}

	if off == len(body) {
		return "", 0, newParseError("dtls", ErrNoHostname, "no extensions")
	}
	if off+2 > len(body) {
		return "", 0, newParseError("dtls", ErrMalformed, "truncated extensions length")
	}
	extTotalLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	extEnd := off + extTotalLen
	if extEnd > len(body) {
		return "", 0, newParseError("dtls", ErrMalformed, "extensions overrun record")
	}

	for off < extEnd {
		if off+4 > extEnd {
			return "", 0, newParseError("dtls", ErrMalformed, "truncated extension header")
		}
		extType := binary.BigEndian.Uint16(body[off : off+2])
		extLen := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		off += 4
		if off+extLen > extEnd {
			return "", 0, newParseError("dtls", ErrMalformed, "extension body overruns container")
		}
		if extType == tlsExtensionSNI {
			name, err := parseServerNameExtension(body[off:off+extLen], "dtls")
			if err != nil {
				return "", 0, err
			}
			return name, total, nil
		}
		off += extLen
	}
	return "", 0, newParseError("dtls", ErrNoHostname, "no server_name extension")
}
