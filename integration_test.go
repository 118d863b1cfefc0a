package sniproxy

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestMain lets the test binary itself double as the binder child: when
// StartBinder forks it re-execs os.Args[0], which for this package is the
// compiled test binary rather than cmd/sniproxy, so the same
// IsBinderChild/RunBinderChild handoff cmd/sniproxy's main performs has to
// happen here too.
func TestMain(m *testing.M) {
	if IsBinderChild() {
		if err := RunBinderChild(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// startEchoBackend starts a TCP server that echoes everything it reads,
// used as the stand-in "backend" for the scenarios in §8.
func startEchoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestScenarioTLSHappyPath(t *testing.T) {
	backendAddr := startEchoBackend(t)

	tbl := NewTable("main")
	b, err := NewBackend(`^nginx1\.umbrella\.com$`, backendAddr, false)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	tbl.Add(b)

	ln, err := NewTCPListener("tls-1", "127.0.0.1:0", ListenOptions{
		Protocol: ProtocolTLS,
		Table:    tbl,
	})
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.ln = tcpLn
	ln.Address = tcpLn.Addr().String()

	go ln.Start()
	t.Cleanup(func() { ln.Stop() })

	client, err := net.Dial("tcp", ln.Address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	hello := buildTLSClientHello("nginx1.umbrella.com")
	if _, err := client.Write(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if _, err := client.Write([]byte("OK")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	echoed := make([]byte, len(hello)+2)
	if _, err := readFull(reader, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed[len(hello):]) != "OK" {
		t.Fatalf("got %q, want trailing OK", echoed)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestScenarioHTTPHostWithPort(t *testing.T) {
	backendAddr := startEchoBackend(t)

	tbl := NewTable("main")
	b, err := NewBackend(`^localhost$`, backendAddr, false)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	tbl.Add(b)

	ln, err := NewTCPListener("http-1", "127.0.0.1:0", ListenOptions{
		Protocol: ProtocolHTTP,
		Table:    tbl,
	})
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.ln = tcpLn
	ln.Address = tcpLn.Addr().String()

	go ln.Start()
	t.Cleanup(func() { ln.Stop() })

	client, err := net.Dial("tcp", ln.Address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := "GET / HTTP/1.1\r\nHost: localhost:8080\r\n\r\n"
	client.Write([]byte(req))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(req))
	if _, err := readFull(bufio.NewReader(client), buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != req {
		t.Fatalf("got %q, want echo of request", buf)
	}
}

func TestScenarioSNIMissingAborts(t *testing.T) {
	tbl := NewTable("main")
	ln, err := NewTCPListener("tls-2", "127.0.0.1:0", ListenOptions{
		Protocol: ProtocolTLS,
		Table:    tbl,
	})
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.ln = tcpLn
	ln.Address = tcpLn.Addr().String()

	go ln.Start()
	t.Cleanup(func() { ln.Stop() })

	client, err := net.Dial("tcp", ln.Address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	// ClientHello with an empty extensions block: no server_name at all.
	record := buildClientHelloNoExtensions()
	client.Write(record)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	alert := make([]byte, len(TLSAbortMessage))
	if _, err := readFull(bufio.NewReader(client), alert); err != nil {
		t.Fatalf("read alert: %v", err)
	}
	if string(alert) != string(TLSAbortMessage) {
		t.Fatalf("got %x, want TLS alert %x", alert, TLSAbortMessage)
	}
}

// fakeNXResolver always resolves to ErrNXDomain, asynchronously like a real
// Resolver, so TestScenarioDNSFallbackNXDomain exercises the RESOLVING ->
// abort path instead of the synchronous Table.Lookup miss path.
type fakeNXResolver struct{}

func (fakeNXResolver) Query(ctx context.Context, name string, mode ResolveMode, cb ResolveCallback) QueryHandle {
	go cb(Address{}, ErrNXDomain)
	return 0
}

func (fakeNXResolver) Cancel(QueryHandle) {}

func TestScenarioDNSFallbackNXDomain(t *testing.T) {
	tbl := NewTable("main")
	// The target is a hostname, not a Sockaddr, so a successful Lookup
	// still has to go through Connection.resolve before it can connect.
	b, err := NewBackend(`^nginx1\.umbrella\.com$`, "backend.example.invalid:9000", false)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	tbl.Add(b)

	ln, err := NewTCPListener("tls-3", "127.0.0.1:0", ListenOptions{
		Protocol: ProtocolTLS,
		Table:    tbl,
		Resolver: fakeNXResolver{},
	})
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.ln = tcpLn
	ln.Address = tcpLn.Addr().String()

	go ln.Start()
	t.Cleanup(func() { ln.Stop() })

	client, err := net.Dial("tcp", ln.Address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	hello := buildTLSClientHello("nginx1.umbrella.com")
	if _, err := client.Write(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	alert := make([]byte, len(TLSAbortMessage))
	if _, err := readFull(bufio.NewReader(client), alert); err != nil {
		t.Fatalf("read alert: %v", err)
	}
	if string(alert) != string(TLSAbortMessage) {
		t.Fatalf("got %x, want TLS alert %x on NXDOMAIN", alert, TLSAbortMessage)
	}
}

// TestScenarioBinderRoundTrip drives the real §4.7 privilege-separation
// protocol end to end: StartBinder forks this test binary (caught by
// TestMain above), the parent asks it to bind(2) a loopback address over
// the socketpair, and the reply's SCM_RIGHTS descriptor is used to accept a
// real connection.
func TestScenarioBinderRoundTrip(t *testing.T) {
	b, err := StartBinder()
	if err != nil {
		t.Fatalf("StartBinder: %v", err)
	}
	defer b.Stop()

	addr := Address{Kind: AddressSockaddr, Network: "ip4", IP: net.ParseIP("127.0.0.1"), Port: 0}
	fd, err := b.Bind(addr)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		t.Fatalf("getsockname: %v", err)
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		t.Fatalf("unexpected sockaddr type %T for a bound ip4 socket", sa)
	}
	if inet4.Port == 0 {
		unix.Close(fd)
		t.Fatalf("expected the binder to hand back a socket bound to a real port, got 0")
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		t.Fatalf("listen on binder-bound fd: %v", err)
	}

	f := os.NewFile(uintptr(fd), "binder-bound")
	ln, err := net.FileListener(f)
	f.Close() // net.FileListener dups fd; release f's copy immediately.
	if err != nil {
		t.Fatalf("FileListener: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept on binder-bound listener: %v", err)
	}
	conn.Close()
}

// flakyListener wraps a real net.Listener and fails its first Accept with
// EMFILE, so TestScenarioFdExhaustionBackoff can exercise the accept loop's
// real backoff path (listener_tcp.go's isFdExhaustion branch) without
// actually exhausting the process's file descriptor table.
type flakyListener struct {
	net.Listener
	mu     sync.Mutex
	failed bool
}

func (f *flakyListener) Accept() (net.Conn, error) {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
	f.mu.Unlock()
	return f.Listener.Accept()
}

func TestScenarioFdExhaustionBackoff(t *testing.T) {
	if isFdExhaustion(syscall.ECONNRESET) {
		t.Fatalf("isFdExhaustion must not match unrelated errors")
	}
	if !isFdExhaustion(syscall.EMFILE) || !isFdExhaustion(syscall.ENFILE) {
		t.Fatalf("isFdExhaustion must match EMFILE and ENFILE")
	}

	backendAddr := startEchoBackend(t)
	tbl := NewTable("main")
	b, err := NewBackend(`^localhost$`, backendAddr, false)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	tbl.Add(b)

	ln, err := NewTCPListener("http-2", "127.0.0.1:0", ListenOptions{
		Protocol: ProtocolHTTP,
		Table:    tbl,
	})
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.ln = &flakyListener{Listener: tcpLn}
	ln.Address = tcpLn.Addr().String()

	start := time.Now()
	go ln.Start()
	t.Cleanup(func() { ln.Stop() })

	client, err := net.Dial("tcp", ln.Address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"
	client.Write([]byte(req))

	client.SetReadDeadline(time.Now().Add(acceptBackoff + 3*time.Second))
	buf := make([]byte, len(req))
	if _, err := readFull(bufio.NewReader(client), buf); err != nil {
		t.Fatalf("read echo after simulated EMFILE: %v", err)
	}
	if string(buf) != req {
		t.Fatalf("got %q, want echo of request", buf)
	}
	if elapsed := time.Since(start); elapsed < acceptBackoff {
		t.Fatalf("connection served after %s, want the accept loop to have paused at least %s on EMFILE", elapsed, acceptBackoff)
	}
}
