package sniproxy

import (
	"context"
	"net"
	"sync"
	"time"
)

// udpSessionIdleTimeout bounds how long a DTLS "connection" (a UDP
// 4-tuple) is tracked without activity before it is dropped, since UDP has
// no notion of close.
const udpSessionIdleTimeout = 2 * time.Minute

// DTLSListener inspects the ClientHello of each new UDP 4-tuple for its
// SNI extension and relays datagrams to the matched backend, without ever
// performing the DTLS handshake itself: this proxy holds no keys and never
// decrypts, so unlike the teacher library's dtlslistener.go (which
// completes a real pion/dtls handshake to terminate DNS-over-DTLS), this
// listener only scans the plaintext ClientHello record with parser_dtls.go
// and then forwards raw datagrams end to end.
type DTLSListener struct {
	ID       string
	Address  string
	Table    *Table
	Resolver Resolver
	AccessLog AccessLogger

	conn   *net.UDPConn
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*udpSession
}

var _ Listener = (*DTLSListener)(nil)

type udpSession struct {
	clientAddr *net.UDPAddr
	server     *net.UDPConn
	lastActive time.Time
}

// NewDTLSListener returns a DTLSListener bound to addr.
func NewDTLSListener(id, addr string, opt ListenOptions) (*DTLSListener, error) {
	if opt.Table == nil {
		return nil, &ConfigError{Context: "listener " + id, Reason: ErrMissingTable}
	}
	accessLog := opt.AccessLog
	if accessLog == nil {
		accessLog = Silent{}
	}
	opt.Table.Ref()
	return &DTLSListener{
		ID:        id,
		Address:   addr,
		Table:     opt.Table,
		Resolver:  opt.Resolver,
		AccessLog: accessLog,
		sessions:  make(map[string]*udpSession),
	}, nil
}

// Start binds the UDP socket and relays datagrams until Stop is called.
func (l *DTLSListener) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.Address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	l.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		l.handleDatagram(buf[:n], from)
	}
}

func (l *DTLSListener) handleDatagram(data []byte, from *net.UDPAddr) {
	key := from.String()
	l.mu.Lock()
	sess, ok := l.sessions[key]
	l.mu.Unlock()
	if ok {
		sess.lastActive = time.Now()
		sess.server.Write(data)
		return
	}

	hostname, _, err := DTLSParser{}.Parse(data)
	if err != nil {
		return // drop: no way to send a reply without a session
	}

	backend, addr, ok := l.Table.Lookup(hostname)
	_ = backend
	if !ok {
		return
	}
	if addr.Kind == AddressHostname && l.Resolver != nil {
		// Best-effort synchronous resolution for the first packet of a
		// UDP session; DTLS has no equivalent of a deferred accept to
		// hang a callback off of.
		resolved := make(chan Address, 1)
		l.Resolver.Query(context.Background(), addr.Hostname, ResolveDefault, func(a Address, err error) {
			if err == nil {
				a.SetPort(addr.Port)
				resolved <- a
			} else {
				resolved <- Address{}
			}
		})
		addr = <-resolved
		if addr.Kind == 0 && addr.IP == nil {
			return
		}
	}

	serverAddr, err := net.ResolveUDPAddr("udp", addr.HostPort())
	if err != nil {
		return
	}
	server, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return
	}
	sess = &udpSession{clientAddr: from, server: server, lastActive: time.Now()}
	l.mu.Lock()
	l.sessions[key] = sess
	l.mu.Unlock()
	server.Write(data)

	go l.pumpServerToClient(key, sess)
}

func (l *DTLSListener) pumpServerToClient(key string, sess *udpSession) {
	buf := make([]byte, 65535)
	for {
		sess.server.SetReadDeadline(time.Now().Add(udpSessionIdleTimeout))
		n, err := sess.server.Read(buf)
		if err != nil {
			sess.server.Close()
			l.mu.Lock()
			delete(l.sessions, key)
			l.mu.Unlock()
			return
		}
		l.conn.WriteToUDP(buf[:n], sess.clientAddr)
	}
}

// Stop closes the listening socket and all tracked sessions.
func (l *DTLSListener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.Table != nil {
		l.Table.Unref()
	}
	l.mu.Lock()
	for _, sess := range l.sessions {
		sess.server.Close()
	}
	l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *DTLSListener) String() string {
	return l.ID
}
