package sniproxy

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildTLSClientHello constructs a minimal but well-formed TLS ClientHello
// record carrying a single server_name extension for the given hostname.
func buildTLSClientHello(host string) []byte {
	var sni []byte
	sni = append(sni, 0x00)                                     // name_type: host_name
	sni = binary.BigEndian.AppendUint16(sni, uint16(len(host))) // name_len
	sni = append(sni, host...)

	var list []byte
	list = binary.BigEndian.AppendUint16(list, uint16(len(sni)))
	list = append(list, sni...)

	var ext []byte
	ext = binary.BigEndian.AppendUint16(ext, 0x0000) // server_name
	ext = binary.BigEndian.AppendUint16(ext, uint16(len(list)))
	ext = append(ext, list...)

	var body []byte
	body = append(body, 0x01)          // ClientHello
	body = append(body, 0, 0, 0)       // handshake length placeholder, fixed below
	body = append(body, 3, 3)          // version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0)             // session id len
	body = binary.BigEndian.AppendUint16(body, 0) // cipher suites len
	body = append(body, 0)             // compression methods len
	body = binary.BigEndian.AppendUint16(body, uint16(len(ext)))
	body = append(body, ext...)
	hsLen := len(body) - 4
	body[1], body[2], body[3] = byte(hsLen>>16), byte(hsLen>>8), byte(hsLen)

	var record []byte
	record = append(record, 0x16, 0x03, 0x01)
	record = binary.BigEndian.AppendUint16(record, uint16(len(body)))
	record = append(record, body...)
	return record
}

func TestTLSParserHappyPath(t *testing.T) {
	record := buildTLSClientHello("www.example.com")
	host, consumed, err := TLSParser{}.Parse(record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "www.example.com" {
		t.Errorf("got hostname %q", host)
	}
	if consumed != len(record) {
		t.Errorf("consumed %d, want %d", consumed, len(record))
	}
}

func TestTLSParserIncompleteUntilComplete(t *testing.T) {
	record := buildTLSClientHello("nginx1.umbrella.com")
	for n := 0; n < len(record); n++ {
		_, _, err := TLSParser{}.Parse(record[:n])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("at prefix len %d: want Incomplete, got %v", n, err)
		}
	}
	host, consumed, err := TLSParser{}.Parse(record)
	if err != nil {
		t.Fatalf("full record: unexpected error %v", err)
	}
	if host != "nginx1.umbrella.com" || consumed != len(record) {
		t.Fatalf("got (%q, %d)", host, consumed)
	}
}

// buildClientHelloNoExtensions constructs a well-formed TLS ClientHello
// record with a zero-length extensions block, so no server_name extension
// is present.
func buildClientHelloNoExtensions() []byte {
	var body []byte
	body = append(body, 0x01)
	body = append(body, 0, 0, 0)
	body = append(body, 3, 3)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0)
	body = binary.BigEndian.AppendUint16(body, 0)
	body = append(body, 0)
	body = binary.BigEndian.AppendUint16(body, 0) // extensions length 0
	hsLen := len(body) - 4
	body[1], body[2], body[3] = byte(hsLen>>16), byte(hsLen>>8), byte(hsLen)

	var record []byte
	record = append(record, 0x16, 0x03, 0x01)
	record = binary.BigEndian.AppendUint16(record, uint16(len(body)))
	record = append(record, body...)
	return record
}

func TestTLSParserNoServerName(t *testing.T) {
	record := buildClientHelloNoExtensions()
	_, _, err := TLSParser{}.Parse(record)
	if !errors.Is(err, ErrNoHostname) {
		t.Fatalf("want NoHostname, got %v", err)
	}
}

func TestTLSParserNeverReadsPastInput(t *testing.T) {
	record := buildTLSClientHello("example.com")
	for n := 0; n <= len(record); n++ {
		// Should never panic regardless of prefix length.
		_, _, _ = TLSParser{}.Parse(record[:n])
	}
}

func TestHTTPParserHostWithPort(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: localhost:8080\r\n\r\n")
	host, consumed, err := HTTPParser{}.Parse(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "localhost" {
		t.Errorf("got hostname %q, want localhost", host)
	}
	if consumed != len(req) {
		t.Errorf("consumed %d, want %d", consumed, len(req))
	}
}

func TestHTTPParserIncompleteThenOk(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	for n := 0; n < len(req); n++ {
		_, _, err := HTTPParser{}.Parse(req[:n])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("at prefix %d: want Incomplete, got %v", n, err)
		}
	}
	host, _, err := HTTPParser{}.Parse(req)
	if err != nil || host != "example.com" {
		t.Fatalf("got (%q, %v)", host, err)
	}
}

func TestHTTPParserNoHost(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nAccept: */*\r\n\r\n")
	_, _, err := HTTPParser{}.Parse(req)
	if !errors.Is(err, ErrNoHostname) {
		t.Fatalf("want NoHostname, got %v", err)
	}
}

func TestHTTPParserCaseInsensitiveHost(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nhOsT:   example.org\r\n\r\n")
	host, _, err := HTTPParser{}.Parse(req)
	if err != nil || host != "example.org" {
		t.Fatalf("got (%q, %v)", host, err)
	}
}
