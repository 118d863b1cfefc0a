package sniproxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"
)

// acceptBackoff is how long the accept loop pauses after EMFILE/ENFILE,
// per §4.8.
const acceptBackoff = 2 * time.Second

// TCPListener accepts TLS or HTTP connections (anything carried over a
// plain TCP byte stream) and hands each one to a Connection.
type TCPListener struct {
	ID       string
	Address  string
	Protocol Protocol

	Table            *Table
	FallbackAddress  *Address
	SourceAddress    *Address
	TransparentProxy bool
	AccessLog        AccessLogger
	LogBadRequests   bool
	Resolver         Resolver
	ResolveMode      ResolveMode
	Binder           *Binder

	ln     net.Listener
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

var _ Listener = (*TCPListener)(nil)
var _ connectionDumper = (*TCPListener)(nil)

// NewTCPListener returns a TCPListener bound to addr, ready to Start. id
// identifies the listener in logs and metrics; it need not be unique but
// should be, to keep diagnostics unambiguous.
func NewTCPListener(id, addr string, opt ListenOptions) (*TCPListener, error) {
	if opt.Table == nil {
		return nil, &ConfigError{Context: "listener " + id, Reason: ErrMissingTable}
	}
	accessLog := opt.AccessLog
	if accessLog == nil {
		accessLog = Silent{}
	}
	resolver := opt.Resolver
	if resolver == nil {
		resolver = NewNetResolver()
	}
	opt.Table.Ref()
	return &TCPListener{
		ID:               id,
		Address:          addr,
		Protocol:         opt.Protocol,
		Table:            opt.Table,
		FallbackAddress:  opt.FallbackAddress,
		SourceAddress:    opt.SourceAddress,
		TransparentProxy: opt.TransparentProxy,
		AccessLog:        accessLog,
		LogBadRequests:   opt.LogBadRequests,
		Resolver:         resolver,
		ResolveMode:      opt.ResolveMode,
		Binder:           opt.Binder,
		conns:            make(map[*Connection]struct{}),
	}, nil
}

// Start binds (if not already bound) and runs the accept loop until Stop
// is called. It blocks the calling goroutine.
func (l *TCPListener) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	if l.ln == nil {
		ln, err := l.bind()
		if err != nil {
			return err
		}
		l.ln = ln
	}

	log := Log.WithField("listener", l.ID).WithField("address", l.Address)
	log.Info("listener started")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFdExhaustion(err) {
				log.WithError(err).Warn("file descriptors exhausted, pausing accept loop")
				select {
				case <-time.After(acceptBackoff):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			log.WithError(err).Error("accept failed")
			return err
		}
		c := newConnection(l, conn)
		l.trackConnection(c)
		go func() {
			c.run(ctx)
			l.untrackConnection(c)
		}()
	}
}

func (l *TCPListener) trackConnection(c *Connection) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *TCPListener) untrackConnection(c *Connection) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// Connections implements connectionDumper for the SIGUSR1 dump.
func (l *TCPListener) Connections() []*Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Connection, 0, len(l.conns))
	for c := range l.conns {
		out = append(out, c)
	}
	return out
}

// Stop closes the listening socket, causing Start's accept loop to return.
func (l *TCPListener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.Table != nil {
		l.Table.Unref()
	}
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *TCPListener) String() string {
	return l.ID
}

// bind opens the listening socket directly via net.Listen. TransparentProxy
// does not change how this listener's own accept socket is bound — only
// how each accepted connection's outbound dial to the backend is made, via
// Connection.connectTransparent and the Binder's privileged
// IP_TRANSPARENT bind (see binder.go). A listening port below 1024 needs
// the process itself to hold the privilege to bind it; sniproxy does not
// bind its own listen sockets through the Binder.
func (l *TCPListener) bind() (net.Listener, error) {
	return net.Listen("tcp", l.Address)
}

// isFdExhaustion reports whether err corresponds to EMFILE or ENFILE, the
// two accept(2) failures that call for the backoff timer in §4.8 instead
// of a tight retry loop.
func isFdExhaustion(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}
