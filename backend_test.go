package sniproxy

import "testing"

func TestBackendMatchAndResolve(t *testing.T) {
	b, err := NewBackend(`^.*\.example\.com$`, "127.0.0.1:443", false)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if !b.Match("www.example.com") {
		t.Error("expected match")
	}
	if b.Match("example.org") {
		t.Error("expected no match")
	}
	addr := b.Resolve("www.example.com")
	if addr.Kind != AddressSockaddr || addr.Port != 443 {
		t.Fatalf("got %+v", addr)
	}
}

func TestBackendWildcardTarget(t *testing.T) {
	b, err := NewBackend(`^.*\.internal$`, "*", false)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	addr := b.Resolve("svc.internal")
	if addr.Kind != AddressHostname || addr.Hostname != "svc.internal" {
		t.Fatalf("got %+v", addr)
	}
}

func TestNewBackendInvalidPattern(t *testing.T) {
	if _, err := NewBackend("(", "127.0.0.1:1", false); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestNewBackendInvalidTarget(t *testing.T) {
	if _, err := NewBackend(`^a$`, "www..example.com", false); err == nil {
		t.Fatal("expected address parse error")
	}
}
