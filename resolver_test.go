package sniproxy

import (
	"context"
	"testing"
	"time"
)

func TestDNSResolverCancelSuppressesCallback(t *testing.T) {
	r := NewDNSResolver("127.0.0.1:1") // nothing listening; Exchange will fail/timeout
	called := make(chan struct{}, 1)
	h := r.Query(context.Background(), "example.com", ResolveDefault, func(Address, error) {
		called <- struct{}{}
	})
	r.Cancel(h)
	select {
	case <-called:
		t.Fatal("callback fired after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResolveModeString(t *testing.T) {
	cases := map[ResolveMode]string{
		ResolveDefault:    "default",
		ResolveIPv4Only:   "ipv4_only",
		ResolveIPv6Only:   "ipv6_only",
		ResolveIPv4First:  "ipv4_first",
		ResolveIPv6First:  "ipv6_first",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", mode, got, want)
		}
	}
}
