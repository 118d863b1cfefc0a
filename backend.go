package sniproxy

import "regexp"

// Backend is a single routing rule: a compiled hostname pattern paired with
// the Address connections matching it should be forwarded to, the way the
// teacher library's route pairs a compiled name regexp with a resolver.
type Backend struct {
	pattern        *regexp.Regexp
	Target         Address
	UseProxyHeader bool
}

// NewBackend compiles pattern and returns a Backend forwarding matching
// hostnames to target. pattern is matched against the full hostname
// (callers should anchor it with ^...$ unless a looser match is wanted).
func NewBackend(pattern string, target string, useProxyHeader bool) (*Backend, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &ConfigError{Context: "backend pattern " + pattern, Reason: err}
	}
	addr, err := ParseAddress(target)
	if err != nil {
		return nil, &ConfigError{Context: "backend target " + target, Reason: err}
	}
	return &Backend{pattern: re, Target: addr, UseProxyHeader: useProxyHeader}, nil
}

// Match reports whether hostname is matched by this Backend's pattern.
func (b *Backend) Match(hostname string) bool {
	return b.pattern.MatchString(hostname)
}

// Resolve returns the Address this Backend forwards hostname to,
// substituting hostname itself when the configured target is a Wildcard.
func (b *Backend) Resolve(hostname string) Address {
	if b.Target.Kind == AddressWildcard {
		return Address{Kind: AddressHostname, Hostname: hostname, Port: b.Target.Port}
	}
	return b.Target
}

// String returns the pattern and target, for diagnostics and SIGUSR1 dumps.
func (b *Backend) String() string {
	return b.pattern.String() + " -> " + b.Target.String()
}
