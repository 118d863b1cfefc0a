/*
Package sniproxy implements a transparent, content-aware reverse proxy for
TLS, DTLS and HTTP/1.x traffic. It inspects the first bytes of a client's
handshake to extract the intended destination hostname (the TLS/DTLS SNI
extension or the HTTP Host header), maps that hostname to a backend address
through a routing Table, optionally resolves the backend via DNS, and then
relays bytes in both directions until either side closes. There are 4
fundamental types of objects available in this library.

Parsers

Parsers are bounded, untrusted-input byte scanners. Each one consumes a
byte slice and returns either a hostname and the number of bytes consumed,
or a classified failure (Incomplete, NoHostname, Malformed, Unsupported).
They never read past the end of the supplied slice.

Tables

A Table is an ordered list of Backends, each a compiled regular expression
paired with a target Address. Lookup returns the first Backend whose
pattern matches the requested hostname. Tables are reference counted so a
configuration reload can swap the backend list of a Table in place without
disrupting connections already holding a reference to it.

Connections

A Connection drives one client-to-backend session through an explicit
state machine: accepted, parsed, resolving, resolved, connected, client or
server closed, closed. Each Connection runs on its own goroutine (plus one
per relay direction once connected), relying on Go's runtime netpoller for
non-blocking I/O.

Reactor

The Reactor starts every registered Listener on its own goroutine and owns
the signal handling that drives configuration reload, the connection dump
and graceful shutdown.

This example starts a single TLS listener that proxies connections for
"example.com" to a local backend:

	tbl := sniproxy.NewTable("main")
	be, _ := sniproxy.NewBackend(`^example\.com$`, "127.0.0.1:8443", false)
	tbl.Add(be)
	r := sniproxy.NewReactor(sniproxy.ReactorOptions{})
	ln, _ := sniproxy.NewTCPListener("tls-1", "0.0.0.0:443", sniproxy.ListenOptions{
		Protocol: sniproxy.ProtocolTLS,
		Table:    tbl,
	})
	r.AddListener(ln)
	r.Run()

*/
package sniproxy
