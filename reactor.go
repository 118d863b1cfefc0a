package sniproxy

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ReactorOptions configures a Reactor.
type ReactorOptions struct {
	// ReloadFunc is invoked on SIGHUP. It should parse the on-disk
	// configuration and return a freshly built TableSet to reload in
	// place.
	ReloadFunc func() (*TableSet, error)

	// DumpDir is where the SIGUSR1 connection dump is written via
	// os.CreateTemp. Defaults to os.TempDir().
	DumpDir string
}

// Reactor owns the set of running Listeners and the process-level signal
// handling that drives configuration reload and graceful shutdown,
// replacing the process-wide connection list and backends the original
// implementation kept as singletons: every Listener, Table and Connection
// reachable from a Reactor is scoped to that Reactor instance, so
// independent Reactors in the same process (as in tests) never share them.
// The diagnostic logger remains the package-level Log, and Table metrics
// are process-wide expvar counters keyed by table name.
type Reactor struct {
	opt ReactorOptions

	mu        sync.Mutex
	listeners []Listener
	tables    *TableSet

	sig chan os.Signal
}

// NewReactor returns an idle Reactor. Listeners are added with AddListener
// before Run is called.
func NewReactor(opt ReactorOptions) *Reactor {
	return &Reactor{
		opt:    opt,
		tables: NewTableSet(),
		sig:    make(chan os.Signal, 1),
	}
}

// AddListener registers a Listener to be started when Run is called. A
// Listener added after Run has started is not started by the Reactor.
func (r *Reactor) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// AddTable registers a Table under its name so it participates in SIGHUP
// reload bookkeeping.
func (r *Reactor) AddTable(t *Table) {
	r.mu.Lock()
	r.tables.Add(t)
	r.mu.Unlock()
}

// Run starts every registered Listener, then blocks handling signals until
// SIGINT or SIGTERM triggers a graceful shutdown, per §5's signal table.
func (r *Reactor) Run() error {
	signal.Notify(r.sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)

	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l := l
		go func() {
			if err := l.Start(); err != nil {
				Log.WithError(err).WithField("listener", l.String()).Error("listener stopped")
			}
		}()
	}

	for sig := range r.sig {
		switch sig {
		case syscall.SIGHUP:
			r.reload()
		case syscall.SIGUSR1:
			r.dumpConnections()
		case os.Interrupt, syscall.SIGTERM:
			Log.Info("shutting down")
			r.stopAll()
			return nil
		}
	}
	return nil
}

// Stop requests a graceful shutdown as if SIGTERM had been received.
func (r *Reactor) Stop() {
	r.sig <- syscall.SIGTERM
}

func (r *Reactor) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		if err := l.Stop(); err != nil {
			Log.WithError(err).WithField("listener", l.String()).Warn("error stopping listener")
		}
	}
}

// reload handles SIGHUP: if a ReloadFunc was configured, it parses fresh
// configuration and swaps Table backend lists in place per §4.3. Access
// log files are not reopened.
func (r *Reactor) reload() {
	Log.Info("reloading configuration")
	if r.opt.ReloadFunc == nil {
		return
	}
	next, err := r.opt.ReloadFunc()
	if err != nil {
		Log.WithError(err).Error("reload failed, keeping existing configuration")
		return
	}
	r.mu.Lock()
	destroyed := r.tables.Reload(next)
	r.mu.Unlock()
	for _, t := range destroyed {
		Log.WithField("table", t.Name).Debug("table removed on reload")
	}
}

// dumpConnections writes a snapshot of every tracked Connection to a
// mkstemp'd file under DumpDir, per §5/§6's SIGUSR1 contract. Connections
// are owned by their Listener's accept loop rather than the Reactor
// directly in this implementation, so listeners supporting the dump
// implement connectionDumper; others are skipped.
func (r *Reactor) dumpConnections() {
	dir := r.opt.DumpDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "sniproxy-dump-*.txt")
	if err != nil {
		Log.WithError(err).Error("failed to create connection dump file")
		return
	}
	defer f.Close()

	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		fmt.Fprintf(f, "listener %s\n", l.String())
		if d, ok := l.(connectionDumper); ok {
			for _, c := range d.Connections() {
				fmt.Fprintf(f, "  %s\n", c)
			}
		}
	}
	Log.WithField("path", f.Name()).Info("wrote connection dump")
}

// connectionDumper is implemented by Listeners that track their live
// Connections for the SIGUSR1 dump.
type connectionDumper interface {
	Connections() []*Connection
}
