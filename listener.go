package sniproxy

import "fmt"

// Listener accepts inbound connections and feeds them through a Table, per
// §3's "Listener" type. Grounded on the teacher library's minimal
// Listener interface (listener.go): Start plus fmt.Stringer.
type Listener interface {
	Start() error
	Stop() error
	fmt.Stringer
}

// ListenOptions configures a Listener, mirroring the per-listener fields
// in §3/§6's configuration shape.
type ListenOptions struct {
	Protocol         Protocol
	Table            *Table
	FallbackAddress  *Address
	SourceAddress    *Address
	TransparentProxy bool
	AccessLog        AccessLogger
	LogBadRequests   bool
	Resolver         Resolver
	ResolveMode      ResolveMode
	Binder           *Binder
}
