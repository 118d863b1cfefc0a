package sniproxy

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/miekg/dns"
)

// ResolveMode selects which record types a Resolver queries for and in
// what order results are preferred, per §4.6.
type ResolveMode int

const (
	ResolveDefault ResolveMode = iota
	ResolveIPv4Only
	ResolveIPv6Only
	ResolveIPv4First
	ResolveIPv6First
)

func (m ResolveMode) String() string {
	switch m {
	case ResolveIPv4Only:
		return "ipv4_only"
	case ResolveIPv6Only:
		return "ipv6_only"
	case ResolveIPv4First:
		return "ipv4_first"
	case ResolveIPv6First:
		return "ipv6_first"
	default:
		return "default"
	}
}

// ResolveCallback is invoked with the resolved Address (Sockaddr variant,
// port 0) or a non-nil error (ErrNXDomain, ErrResolveTimeout or
// ErrResolveTransient). It is never called after the corresponding handle
// has been canceled.
type ResolveCallback func(Address, error)

// QueryHandle identifies an in-flight query for Cancel.
type QueryHandle uint64

// Resolver performs asynchronous hostname resolution. Implementations
// perform the lookup themselves, on their own goroutine, and deliver the
// result through the callback passed to Query.
type Resolver interface {
	Query(ctx context.Context, name string, mode ResolveMode, cb ResolveCallback) QueryHandle
	Cancel(h QueryHandle)
}

// DNSResolver is a Resolver backed directly by github.com/miekg/dns,
// grounded on the teacher library's dnsclient.go (query construction) and
// fastest.go (racing multiple concurrent queries and keeping the first
// usable answer), adapted here to race A and AAAA lookups against one
// nameserver instead of racing multiple upstream resolvers.
type DNSResolver struct {
	Nameserver string // "host:port", e.g. "1.1.1.1:53"
	client     *dns.Client

	mu         sync.Mutex
	nextHandle QueryHandle
	inflight   map[QueryHandle]context.CancelFunc
}

// NewDNSResolver returns a Resolver that sends plain UDP DNS queries to
// nameserver.
func NewDNSResolver(nameserver string) *DNSResolver {
	return &DNSResolver{
		Nameserver: nameserver,
		client:     &dns.Client{},
		inflight:   make(map[QueryHandle]context.CancelFunc),
	}
}

// Query implements Resolver. Each call spawns a goroutine that issues one
// or two dns.Client Exchange calls depending on mode and delivers the
// first usable answer to cb. A single DNSResolver is shared across every
// listener and connection (constructed once in cmd/sniproxy's main), so
// nextHandle and inflight are guarded by mu rather than relying on any
// per-connection serialization.
func (r *DNSResolver) Query(ctx context.Context, name string, mode ResolveMode, cb ResolveCallback) QueryHandle {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.nextHandle++
	h := r.nextHandle
	r.inflight[h] = cancel
	r.mu.Unlock()

	go func() {
		addr, err := r.resolve(ctx, name, mode)
		r.mu.Lock()
		_, live := r.inflight[h]
		delete(r.inflight, h)
		r.mu.Unlock()
		if !live {
			return // canceled: callback must not fire
		}
		cb(addr, err)
	}()
	return h
}

// Cancel implements Resolver.
func (r *DNSResolver) Cancel(h QueryHandle) {
	r.mu.Lock()
	cancel, ok := r.inflight[h]
	delete(r.inflight, h)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *DNSResolver) resolve(ctx context.Context, name string, mode ResolveMode) (Address, error) {
	fqdn := dns.Fqdn(name)

	switch mode {
	case ResolveIPv4Only:
		return r.query(ctx, fqdn, dns.TypeA)
	case ResolveIPv6Only:
		return r.query(ctx, fqdn, dns.TypeAAAA)
	case ResolveIPv4First:
		if addr, err := r.query(ctx, fqdn, dns.TypeA); err == nil {
			return addr, nil
		}
		return r.query(ctx, fqdn, dns.TypeAAAA)
	case ResolveIPv6First:
		if addr, err := r.query(ctx, fqdn, dns.TypeAAAA); err == nil {
			return addr, nil
		}
		return r.query(ctx, fqdn, dns.TypeA)
	default:
		return r.race(ctx, fqdn)
	}
}

// race fires A and AAAA queries concurrently and returns whichever
// completes first with a usable answer, the way fastest.go races multiple
// resolvers for the same query.
func (r *DNSResolver) race(ctx context.Context, fqdn string) (Address, error) {
	type result struct {
		addr Address
		err  error
	}
	ch := make(chan result, 2)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		qtype := qtype
		go func() {
			addr, err := r.query(ctx, fqdn, qtype)
			ch <- result{addr, err}
		}()
	}
	var last result
	for i := 0; i < 2; i++ {
		res := <-ch
		if res.err == nil {
			return res.addr, nil
		}
		last = res
	}
	return Address{}, last.err
}

func (r *DNSResolver) query(ctx context.Context, fqdn string, qtype uint16) (Address, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.Nameserver)
	if err != nil {
		if ctx.Err() != nil {
			return Address{}, ErrResolveTimeout
		}
		return Address{}, ErrResolveTransient
	}
	if in.Rcode == dns.RcodeNameError {
		return Address{}, ErrNXDomain
	}
	if in.Rcode != dns.RcodeSuccess {
		return Address{}, ErrResolveTransient
	}
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			return Address{Kind: AddressSockaddr, Network: "ip4", IP: v.A}, nil
		case *dns.AAAA:
			return Address{Kind: AddressSockaddr, Network: "ip6", IP: v.AAAA}, nil
		}
	}
	return Address{}, ErrNXDomain
}

// NetResolver wraps the host's system resolver (via net.DefaultResolver)
// behind the Resolver interface. cmd/sniproxy uses it when no nameserver is
// configured, and NewTCPListener falls back to it when ListenOptions has no
// Resolver. Grounded on the teacher library's
// net-resolver.go, which performs the inverse adaptation (wrapping a
// custom Resolver as a net.Resolver); here a net.Resolver becomes a
// sniproxy Resolver instead.
type NetResolver struct {
	resolver *net.Resolver
}

// NewNetResolver returns a Resolver backed by the system stub resolver.
func NewNetResolver() *NetResolver {
	return &NetResolver{resolver: net.DefaultResolver}
}

// Query implements Resolver using net.Resolver.LookupIP, blocking in a
// goroutine since net.Resolver has no native async/cancel-by-handle API.
func (r *NetResolver) Query(ctx context.Context, name string, mode ResolveMode, cb ResolveCallback) QueryHandle {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		network := "ip"
		switch mode {
		case ResolveIPv4Only:
			network = "ip4"
		case ResolveIPv6Only:
			network = "ip6"
		}
		ips, err := r.resolver.LookupIP(ctx, network, name)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				cb(Address{}, ErrNXDomain)
				return
			}
			cb(Address{}, ErrResolveTransient)
			return
		}
		if len(ips) == 0 {
			cb(Address{}, ErrNXDomain)
			return
		}
		ip := ips[0]
		network = "ip4"
		if ip.To4() == nil {
			network = "ip6"
		}
		cb(Address{Kind: AddressSockaddr, Network: network, IP: ip}, nil)
	}()
	return 0
}

// Cancel implements Resolver. NetResolver queries are not individually
// cancelable; callers rely on context cancellation through the ctx passed
// at Query time going out of scope.
func (r *NetResolver) Cancel(QueryHandle) {}
