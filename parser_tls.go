package sniproxy

import "encoding/binary"

// TLS record and handshake constants, named the way
// _examples/other_examples sni-parsing files (gosuda-portal's sni-parser.go,
// Paucpauc-tproxy-go's proxy.go) name them.
const (
	tlsRecordHandshake   = 0x16
	tlsHandshakeClientHi = 0x01
	tlsExtensionSNI      = 0x0000
	tlsSNIHostName       = 0x00

	tlsRecordHeaderLen = 5
	// type(1) + length(3) + version(2) + random(32): fixed bytes to skip
	// before the variable-length fields begin, i.e. the 4-byte handshake
	// header plus version+random (34 bytes). The session-id length byte
	// comes right after.
	tlsFixedSkip = 38
)

// TLSParser extracts the SNI hostname from a TLS ClientHello, per §4.1.
type TLSParser struct{}

var _ HandshakeParser = TLSParser{}

// AbortMessage returns the 7-byte TLS fatal alert.
func (TLSParser) AbortMessage() []byte { return TLSAbortMessage }

// Parse implements HandshakeParser for TLS ClientHello messages.
func (TLSParser) Parse(data []byte) (string, int, error) {
	if len(data) < tlsRecordHeaderLen {
		return "", 0, newParseError("tls", ErrIncomplete, "short record header")
	}
	if data[0] != tlsRecordHandshake {
		return "", 0, newParseError("tls", ErrMalformed, "not a handshake record")
	}
	major, minor := data[1], data[2]
	if major < 3 || (major == 3 && minor < 1) {
		return "", 0, newParseError("tls", ErrMalformed, "TLS version below 1.0")
	}

	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	total := tlsRecordHeaderLen + recordLen
	if len(data) < total {
		return "", 0, newParseError("tls", ErrIncomplete, "record body incomplete")
	}

	body := data[tlsRecordHeaderLen:total]
	if len(body) < 1 || body[0] != tlsHandshakeClientHi {
		return "", 0, newParseError("tls", ErrMalformed, "not a ClientHello")
	}

	off := tlsFixedSkip
	if off > len(body) {
		return "", 0, newParseError("tls", ErrMalformed, "truncated fixed header")
	}

	// Session ID.
	off, err := skipLenPrefixed(body, off, 1)
	if err != nil {
		return "", 0, newParseError("tls", ErrMalformed, "session id: "+err.Error())
	}
	// Cipher suites.
	off, err = skipLenPrefixed(body, off, 2)
	if err != nil {
		return "", 0, newParseError("tls", ErrMalformed, "cipher suites: "+err.Error())
	}
	// Compression methods.
	off, err = skipLenPrefixed(body, off, 1)
	if err != nil {
		return "", 0, newParseError("tls", ErrMalformed, "compression methods: "+err.Error())
	}

	if off == len(body) {
		// No extensions at all.
		return "", 0, newParseError("tls", ErrNoHostname, "no extensions")
	}
	if off+2 > len(body) {
		return "", 0, newParseError("tls", ErrMalformed, "truncated extensions length")
	}
	extTotalLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	extEnd := off + extTotalLen
	if extEnd > len(body) {
		return "", 0, newParseError("tls", ErrMalformed, "extensions overrun record")
	}

	for off < extEnd {
		if off+4 > extEnd {
			return "", 0, newParseError("tls", ErrMalformed, "truncated extension header")
		}
		extType := binary.BigEndian.Uint16(body[off : off+2])
		extLen := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		off += 4
		if off+extLen > extEnd {
			return "", 0, newParseError("tls", ErrMalformed, "extension body overruns container")
		}
		if extType == tlsExtensionSNI {
			name, err := parseServerNameExtension(body[off : off+extLen])
			if err != nil {
				return "", 0, err
			}
			return name, total, nil
		}
		off += extLen
	}
	return "", 0, newParseError("tls", ErrNoHostname, "no server_name extension")
}

// parseServerNameExtension parses the body of a server_name (SNI)
// extension: a 2-byte list length followed by (name_type:1, name_len:2,
// name) entries.
func parseServerNameExtension(ext []byte, protocol ...string) (string, error) {
	proto := "tls"
	if len(protocol) > 0 {
		proto = protocol[0]
	}
	if len(ext) < 2 {
		return "", newParseError(proto, ErrMalformed, "short server_name list")
	}
	listLen := int(binary.BigEndian.Uint16(ext[0:2]))
	if 2+listLen > len(ext) {
		return "", newParseError(proto, ErrMalformed, "server_name list overruns extension")
	}
	list := ext[2 : 2+listLen]
	off := 0
	for off < len(list) {
		if off+3 > len(list) {
			return "", newParseError(proto, ErrMalformed, "truncated server_name entry header")
		}
		nameType := list[off]
		nameLen := int(binary.BigEndian.Uint16(list[off+1 : off+3]))
		off += 3
		if off+nameLen > len(list) {
			return "", newParseError(proto, ErrMalformed, "server_name entry overruns list")
		}
		if nameType == tlsSNIHostName {
			n := nameLen
			if n > maxHostnameLen {
				n = maxHostnameLen
			}
			return string(list[off : off+n]), nil
		}
		off += nameLen
	}
	return "", newParseError(proto, ErrNoHostname, "no host_name entry in server_name list")
}

// skipLenPrefixed advances past a field of the form <lenBytes-byte length
// prefix><content>, returning the new offset.
func skipLenPrefixed(data []byte, off int, lenBytes int) (int, error) {
	if off+lenBytes > len(data) {
		return 0, errShortField
	}
	var n int
	if lenBytes == 1 {
		n = int(data[off])
	} else {
		n = int(binary.BigEndian.Uint16(data[off : off+lenBytes]))
	}
	off += lenBytes
	if off+n > len(data) {
		return 0, errShortField
	}
	return off + n, nil
}

var errShortField = shortFieldError{}

type shortFieldError struct{}

func (shortFieldError) Error() string { return "field overruns container" }
