package sniproxy

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// maxHTTPHeaderLine bounds a single header line; exceeding it without
// finding "\r\n" is treated as Malformed rather than Incomplete, so a
// client can't hold a connection open forever by trickling bytes.
const maxHTTPHeaderLine = 8192

// httpHostHeader is the header name this parser looks for, matched
// case-insensitively against the whole text before the header's ':'
// (blanks after the ':' are skipped; blanks before it are not). §9's open
// question notes that the original implementation's
// strncmp("Host: ", data, 5) compares only 5 bytes against a 6-character
// literal, an off-by-one that happens to still work because "Host:" (5
// chars) is a prefix of "Host: ". This implementation matches the full
// "Host" token followed by ':' explicitly instead of replicating the
// original's byte count.
const httpHostHeader = "host"

// HTTPParser extracts the Host header from an HTTP/1.x request, per
// §4.1.
type HTTPParser struct{}

var _ HandshakeParser = HTTPParser{}

// AbortMessage returns the fixed 503 response sent to clients whose
// request can't be routed.
func (HTTPParser) AbortMessage() []byte { return HTTPAbortMessage }

// Parse implements HandshakeParser for HTTP/1.x request headers. It scans
// \r\n-delimited lines up to the first blank line, returning the value of
// the first Host header found with any trailing :port stripped.
func (HTTPParser) Parse(data []byte) (string, int, error) {
	var (
		lineStart int
		host      string
		found     bool
	)
	for lineStart <= len(data) {
		nl := indexCRLF(data[lineStart:])
		if nl < 0 {
			if len(data)-lineStart > maxHTTPHeaderLine {
				return "", 0, newParseError("http", ErrMalformed, "header line too long")
			}
			return "", 0, newParseError("http", ErrIncomplete, "no terminating blank line yet")
		}
		line := data[lineStart : lineStart+nl]
		consumedLineEnd := lineStart + nl + 2 // past the \r\n

		if len(line) == 0 {
			// Blank line: end of headers.
			if !found {
				return "", 0, newParseError("http", ErrNoHostname, "no Host header")
			}
			return host, consumedLineEnd, nil
		}

		if !found {
			if name, value, ok := splitHeaderLine(line); ok && strings.EqualFold(name, httpHostHeader) {
				if !httpguts.ValidHeaderFieldValue(value) {
					return "", 0, newParseError("http", ErrMalformed, "invalid Host header value")
				}
				host = stripPort(value)
				if len(host) > maxHostnameLen {
					return "", 0, newParseError("http", ErrMalformed, "Host header too long")
				}
				found = true
			}
		}
		lineStart = consumedLineEnd
	}
	return "", 0, newParseError("http", ErrIncomplete, "headers not terminated")
}

// indexCRLF returns the index of the first "\r\n" in b, or -1 if absent.
func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// splitHeaderLine splits a "Name: value" header line, trimming leading
// blanks from the value, per §4.1.
func splitHeaderLine(line []byte) (name, value string, ok bool) {
	i := indexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	name = string(line[:i])
	value = strings.TrimLeft(string(line[i+1:]), " \t")
	return name, value, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// stripPort removes a trailing ":port" from a Host header value, leaving
// IPv6 literals (which are themselves bracketed, e.g. "[::1]:80") intact
// apart from the port.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.LastIndex(host, "]"); i >= 0 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}
