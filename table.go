package sniproxy

import (
	"expvar"
	"sync"
)

// TableMetrics are the expvar counters exposed for a Table, grounded on the
// teacher library's RouterMetrics.
type TableMetrics struct {
	lookups  *expvar.Int
	hits     *expvar.Map
	misses   *expvar.Int
	backends *expvar.Int
}

func newTableMetrics(name string, backendCount int) *TableMetrics {
	backends := getVarInt("table", name, "backends")
	backends.Set(int64(backendCount))
	return &TableMetrics{
		lookups:  getVarInt("table", name, "lookups"),
		hits:     getVarMap("table", name, "hits"),
		misses:   getVarInt("table", name, "misses"),
		backends: backends,
	}
}

// Table is an ordered list of Backends, reference counted so a SIGHUP
// reload can swap its backend list in place without disrupting Connections
// that already hold a reference to it, per §4.3.
type Table struct {
	Name           string
	UseProxyHeader bool

	mu       sync.RWMutex
	backends []*Backend
	refCount int
	metrics  *TableMetrics
}

// NewTable returns an empty, named Table with a single outstanding
// reference (the caller's).
func NewTable(name string) *Table {
	return &Table{
		Name:     name,
		refCount: 1,
		metrics:  newTableMetrics(name, 0),
	}
}

// Add appends backends to the table's ordered match list. New backends are
// evaluated after all existing ones, matching the teacher library's
// Router.Add semantics (first match wins, order of addition matters).
func (t *Table) Add(backends ...*Backend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backends = append(t.backends, backends...)
	t.metrics.backends.Set(int64(len(t.backends)))
}

// SetBackends atomically replaces the table's backend list, used for
// in-place hot reload: any Connection already holding a *Table reference
// observes the new rules on its next Lookup. Lookup runs on every
// connection's own goroutine while SetBackends runs on the Reactor's
// SIGHUP-handling goroutine, so the backend slice is guarded by mu rather
// than relying on either side being single-threaded.
func (t *Table) SetBackends(backends []*Backend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backends = backends
	t.metrics.backends.Set(int64(len(backends)))
}

// Lookup returns the first Backend whose pattern matches hostname, and the
// Address it resolves to (substituting hostname itself for a Wildcard
// target). ok is false when no Backend matches.
func (t *Table) Lookup(hostname string) (backend *Backend, addr Address, ok bool) {
	t.metrics.lookups.Add(1)
	t.mu.RLock()
	backends := t.backends
	t.mu.RUnlock()
	for _, b := range backends {
		if b.Match(hostname) {
			t.metrics.hits.Add(b.pattern.String(), 1)
			return b, b.Resolve(hostname), true
		}
	}
	t.metrics.misses.Add(1)
	return nil, Address{}, false
}

// Ref increments the table's reference count. Called when a Listener binds
// to this Table.
func (t *Table) Ref() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refCount++
}

// Unref decrements the reference count and reports whether it reached
// zero, at which point the caller should stop holding the Table (it is
// eligible for destruction during the next reload pass).
func (t *Table) Unref() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refCount--
	return t.refCount <= 0
}

// RefCount returns the current reference count, for diagnostics.
func (t *Table) RefCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.refCount
}

// String returns the table's name.
func (t *Table) String() string {
	return t.Name
}

// TableSet holds the named collection of Tables parsed from configuration,
// and implements the SIGHUP reload algorithm from §4.3: tables present in
// both the old and new set have their backend list swapped in place (so
// existing Connection references see updated rules), tables no longer
// present are unreffed, and new tables are added fresh.
type TableSet struct {
	tables map[string]*Table
}

// NewTableSet returns an empty TableSet.
func NewTableSet() *TableSet {
	return &TableSet{tables: make(map[string]*Table)}
}

// Add registers a table under its name, replacing any table previously
// registered under the same name (used only during initial load; use
// Reload for in-place hot reload semantics).
func (s *TableSet) Add(t *Table) {
	s.tables[t.Name] = t
}

// Get returns the named table, or nil if none is registered.
func (s *TableSet) Get(name string) *Table {
	return s.tables[name]
}

// Reload applies a freshly parsed TableSet on top of the existing one,
// swapping backend lists in place for tables present in both, per §4.3.
// It returns the tables from the old set that had no more references after
// the swap (destroyed), so the caller can log them.
func (s *TableSet) Reload(next *TableSet) []*Table {
	var destroyed []*Table
	for name, newTable := range next.tables {
		if old, ok := s.tables[name]; ok {
			old.SetBackends(newTable.backends)
			old.UseProxyHeader = newTable.UseProxyHeader
			continue
		}
		s.tables[name] = newTable
	}
	for name, old := range s.tables {
		if _, ok := next.tables[name]; !ok {
			if old.Unref() {
				destroyed = append(destroyed, old)
			}
			delete(s.tables, name)
		}
	}
	return destroyed
}
