package sniproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// State is one step of a Connection's lifecycle, per §4.4.
type State int

const (
	StateNew State = iota
	StateAccepted
	StateParsed
	StateResolving
	StateResolved
	StateConnected
	StateServerClosed
	StateClientClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAccepted:
		return "ACCEPTED"
	case StateParsed:
		return "PARSED"
	case StateResolving:
		return "RESOLVING"
	case StateResolved:
		return "RESOLVED"
	case StateConnected:
		return "CONNECTED"
	case StateServerClosed:
		return "SERVER_CLOSED"
	case StateClientClosed:
		return "CLIENT_CLOSED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection drives one client session through the state machine described
// in §4.4: accept, parse the handshake, look up the hostname in the
// Listener's Table, resolve it if necessary, connect to the backend, then
// relay bytes until either side closes.
//
// The reference implementation multiplexes every Connection on a single
// cooperative reactor thread with explicit non-blocking I/O and readiness
// watchers. That model doesn't translate idiomatically to Go: the runtime
// netpoller already gives every goroutine non-blocking I/O for free, so
// here each Connection runs its own goroutine (one more per direction once
// CONNECTED) and the states above are recorded for logging and the
// SIGUSR1 connection dump rather than driving an explicit watcher
// registration.
type Connection struct {
	Listener *TCPListener
	client   net.Conn

	mu        sync.Mutex
	state     State
	hostname  string
	backend   *Backend
	target    Address
	server    net.Conn
	startTime time.Time

	txToServer uint64
	txToClient uint64

	queryHandle QueryHandle
}

func newConnection(l *TCPListener, client net.Conn) *Connection {
	return &Connection{
		Listener:  l,
		client:    client,
		state:     StateNew,
		startTime: time.Now(),
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection's current state, safe for concurrent use by
// the SIGUSR1 connection dump.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run drives the connection to completion. It never returns until the
// connection is fully closed.
func (c *Connection) run(ctx context.Context) {
	c.setState(StateAccepted)

	hostname, pending, err := c.parseHandshake()
	if err != nil {
		c.abort(err, nil)
		return
	}
	c.hostname = hostname
	c.setState(StateParsed)

	backend, addr, ok := c.Listener.Table.Lookup(hostname)
	if !ok {
		if c.Listener.FallbackAddress == nil {
			c.abort(ErrNoMatch, nil)
			return
		}
		addr = *c.Listener.FallbackAddress
	}
	c.backend = backend

	if addr.Kind == AddressHostname {
		c.setState(StateResolving)
		addr, err = c.resolve(ctx, addr)
		if err != nil {
			c.abort(err, nil)
			return
		}
	}
	c.target = addr
	c.setState(StateResolved)

	server, err := c.connectBackend(ctx)
	if err != nil {
		c.abort(&ConnectError{Client: c.client.RemoteAddr().String(), Target: c.target.String(), Reason: err}, nil)
		return
	}
	c.server = server
	c.setState(StateConnected)

	// The handshake bytes consumed while parsing go to the backend first,
	// ahead of anything relay reads from the client afterwards.
	if _, err := server.Write(pending); err != nil {
		c.client.Close()
		server.Close()
		c.setState(StateClosed)
		c.logAccess()
		return
	}
	c.relay()
	c.mu.Lock()
	c.txToServer += uint64(len(pending))
	c.mu.Unlock()
	c.logAccess()
}

// parseHandshake reads from the client until one of the listener's
// protocol parsers returns a hostname or a terminal error, per §4.1/§4.4.
// On success it also returns every byte read from the client so far, which
// the caller forwards to the backend before relaying.
func (c *Connection) parseHandshake() (string, []byte, error) {
	parser := ParserFor(c.Listener.Protocol)
	buf := NewBuffer(DefaultBufferSize, DefaultBufferSize*4)
	raw := make([]byte, 4096)

	for {
		n, err := c.client.Read(raw)
		if n > 0 {
			if perr := buf.Push(raw[:n]); perr != nil {
				return "", nil, newParseError(c.Listener.Protocol.String(), ErrMalformed, "handshake exceeded buffer")
			}
		}
		if err != nil {
			return "", nil, newParseError(c.Listener.Protocol.String(), ErrIncomplete, "client closed before handshake completed")
		}

		data := buf.Coalesce()
		hostname, _, perr := parser.Parse(data)
		if perr == nil {
			return hostname, data, nil
		}
		if isIncomplete(perr) {
			if buf.Room() == 0 {
				return "", nil, perr
			}
			continue
		}
		return "", nil, perr
	}
}

func isIncomplete(err error) bool {
	pe, ok := err.(*ParseError)
	return ok && pe.Reason == ErrIncomplete
}

// resolve submits an async DNS query for addr.Hostname and blocks the
// connection's own goroutine on the result, matching the original
// RESOLVING state's "callback fires, then state advances" semantics while
// staying inside the goroutine-per-connection model.
func (c *Connection) resolve(ctx context.Context, addr Address) (Address, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	type result struct {
		addr Address
		err  error
	}
	ch := make(chan result, 1)
	h := c.Listener.Resolver.Query(ctx, addr.Hostname, c.Listener.ResolveMode, func(a Address, err error) {
		ch <- result{a, err}
	})
	c.queryHandle = h

	select {
	case res := <-ch:
		if res.err != nil {
			return Address{}, res.err
		}
		res.addr.SetPort(addr.Port)
		return res.addr, nil
	case <-ctx.Done():
		c.Listener.Resolver.Cancel(h)
		return Address{}, ErrResolveTimeout
	}
}

func (c *Connection) connectBackend(ctx context.Context) (net.Conn, error) {
	if c.Listener.TransparentProxy {
		if c.Listener.Binder == nil {
			return nil, ErrTransparentProxyUnsupported
		}
		return c.connectTransparent()
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if c.Listener.SourceAddress != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: c.Listener.SourceAddress.IP, Port: int(c.Listener.SourceAddress.Port)}
	}
	return dialer.DialContext(ctx, c.target.DialNetwork(), c.target.HostPort())
}

// connectTransparent dials the backend with a source address spoofed to
// the client's own address, via the Binder's privileged IP_TRANSPARENT
// bind, so the backend's own view of the connection is indistinguishable
// from the client having connected to it directly.
func (c *Connection) connectTransparent() (net.Conn, error) {
	clientAddr, err := addressFromNetAddr(c.client.RemoteAddr())
	if err != nil {
		return nil, err
	}
	fd, err := c.Listener.Binder.BindTransparent(clientAddr)
	if err != nil {
		return nil, err
	}
	return connectFd(fd, c.target)
}

// relay shuttles bytes in both directions until both sides have closed and
// drained, per the byte-forwarding order in §4.4: each direction is an
// independent goroutine instead of a single reactor interleaving reads and
// writes, since Go's netpoller already makes a blocking Read/Write on one
// goroutine non-blocking with respect to the rest of the process.
func (c *Connection) relay() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n := copyBuffered(c.server, c.client)
		c.mu.Lock()
		c.txToServer = n
		c.mu.Unlock()
		c.setState(StateClientClosed)
		closeWrite(c.server)
	}()

	go func() {
		defer wg.Done()
		n := copyBuffered(c.client, c.server)
		c.mu.Lock()
		c.txToClient = n
		c.mu.Unlock()
		c.setState(StateServerClosed)
		closeWrite(c.client)
	}()

	wg.Wait()
	c.setState(StateClosed)
	c.client.Close()
	c.server.Close()
}

// copyBuffered relays dst<-src through a Buffer. When both ends expose a
// raw file descriptor (true of every socket this proxy's listeners ever
// hand it: TCP and Unix stream connections), it drives the ring buffer's
// scatter/gather ReadFrom/WriteTo directly against those descriptors per
// §4.5, instead of going through net.Conn's own buffered Read/Write. It
// falls back to the Buffer's Push/Pop against the net.Conn interface for
// any connection type that doesn't support that (there is none among this
// proxy's own Listeners, but relay() has no other way to special-case a
// net.Conn it didn't construct itself).
func copyBuffered(dst, src net.Conn) uint64 {
	buf := NewBuffer(DefaultBufferSize, DefaultBufferSize*16)

	srcRaw, srcOK := rawConnOf(src)
	dstRaw, dstOK := rawConnOf(dst)
	if !srcOK || !dstOK {
		return copyBufferedNetConn(dst, src, buf)
	}

	for {
		n, rerr := readInto(srcRaw, buf)
		if n > 0 {
			if werr := drainRaw(dstRaw, buf); werr != nil {
				return buf.TxTotal()
			}
		}
		if rerr != nil {
			return buf.TxTotal()
		}
	}
}

// rawConnOf returns conn's underlying file descriptor access, if any.
func rawConnOf(conn net.Conn) (syscall.RawConn, bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, false
	}
	return raw, true
}

// readInto drives one or more buf.ReadFrom calls against raw until it
// either reads at least one byte, hits EOF, or hits a non-transient error.
// A 0,nil result from ReadFrom means the peer performed an orderly
// shutdown, reported here as io.EOF so callers can treat it the same as a
// net.Conn.Read EOF.
func readInto(raw syscall.RawConn, buf *Buffer) (int, error) {
	var n int
	var rerr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, rerr = buf.ReadFrom(int(fd))
		return rerr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return n, ctrlErr
	}
	if rerr != nil {
		return n, rerr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// drainRaw writes out everything currently buffered via buf.WriteTo
// against raw, looping across EAGAIN/partial-write wakeups until the
// buffer is empty or a real error occurs.
func drainRaw(raw syscall.RawConn, buf *Buffer) error {
	for !buf.Empty() {
		var werr error
		ctrlErr := raw.Write(func(fd uintptr) bool {
			_, werr = buf.WriteTo(int(fd))
			return werr != unix.EAGAIN
		})
		if ctrlErr != nil {
			return ctrlErr
		}
		if werr != nil {
			return werr
		}
	}
	return nil
}

// copyBufferedNetConn is the Push/Pop fallback used when either side of
// the relay doesn't expose a raw file descriptor.
func copyBufferedNetConn(dst, src net.Conn, buf *Buffer) uint64 {
	raw := make([]byte, DefaultBufferSize)
	var total uint64
	for {
		n, rerr := src.Read(raw)
		if n > 0 {
			if perr := buf.Push(raw[:n]); perr != nil {
				// Peer is slower than the ring's max size allows; drain what
				// we have before giving up rather than dropping bytes.
				_, _ = flush(dst, buf)
				return total
			}
			w, werr := flush(dst, buf)
			total += w
			if werr != nil {
				return total
			}
		}
		if rerr != nil {
			return total
		}
	}
}

func flush(dst net.Conn, buf *Buffer) (uint64, error) {
	var total uint64
	out := make([]byte, DefaultBufferSize)
	for buf.Len() > 0 {
		n := buf.Pop(out)
		if n == 0 {
			break
		}
		w, err := dst.Write(out[:n])
		total += uint64(w)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func closeWrite(conn net.Conn) {
	type halfCloser interface {
		CloseWrite() error
	}
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
	}
}

// abort implements the abort pseudo-transition: the protocol's
// AbortMessage is written to the client (if any bytes make sense to send)
// and the connection is closed without ever contacting a backend.
func (c *Connection) abort(reason error, extra []byte) {
	c.mu.Lock()
	c.state = StateServerClosed
	c.mu.Unlock()

	if !isIncompleteTopLevel(reason) {
		if msg := ParserFor(c.Listener.Protocol).AbortMessage(); msg != nil {
			c.client.Write(msg)
		}
	}
	c.client.Close()
	c.setState(StateClosed)
	entry := Log.WithError(reason).WithField("listener", c.Listener.ID)
	var connErr *ConnectError
	if errors.As(reason, &connErr) {
		entry.Warn("backend connect failed, aborting connection")
	} else {
		entry.Debug("aborting connection")
	}
	c.logAccess()
}

func isIncompleteTopLevel(err error) bool {
	pe, ok := err.(*ParseError)
	return ok && pe.Reason == ErrIncomplete
}

// logAccess writes one line to the listener's access log in the stable
// format from §6.
func (c *Connection) logAccess() {
	serverAddr := "-"
	if c.server != nil {
		serverAddr = c.server.RemoteAddr().String()
	}
	hostname := c.hostname
	if hostname == "" {
		hostname = "-"
	}
	duration := time.Since(c.startTime).Seconds()

	// Every byte the proxy sends to one side is a byte it received from
	// the other, so tx and rx on each leg are the same counters viewed
	// from opposite ends.
	c.Listener.AccessLog.Printf("%s -> %s -> %s [%s] %d/%d bytes tx %d/%d bytes rx %.3f",
		c.client.RemoteAddr(), c.Listener.Address, serverAddr, hostname,
		c.txToServer, c.txToClient, c.txToClient, c.txToServer, duration)
}

// String renders a one-line summary for the SIGUSR1 connection dump.
func (c *Connection) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s state=%s hostname=%q target=%s", c.client.RemoteAddr(), c.State(), c.hostname, c.target)
	return b.String()
}
