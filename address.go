package sniproxy

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// AddressKind identifies which variant of the Address tagged union is
// populated.
type AddressKind int

const (
	// AddressHostname is a validated DNS name that must be resolved before
	// a connection can be opened.
	AddressHostname AddressKind = iota
	// AddressSockaddr is an already-resolved IPv4, IPv6 or Unix socket
	// address.
	AddressSockaddr
	// AddressWildcard means "use the hostname the client asked for".
	AddressWildcard
)

func (k AddressKind) String() string {
	switch k {
	case AddressHostname:
		return "hostname"
	case AddressSockaddr:
		return "sockaddr"
	case AddressWildcard:
		return "wildcard"
	default:
		return "unknown"
	}
}

// Address is a tagged union of the three ways a Backend's target (or a
// Listener's bind address) can be expressed: a hostname to be resolved, an
// already-resolved socket address, or the wildcard sentinel meaning "the
// hostname the client requested".
type Address struct {
	Kind AddressKind

	// Hostname is set when Kind == AddressHostname. Always lowercase.
	Hostname string

	// Network, IP and Path describe the Sockaddr variant. Network is one
	// of "ip4", "ip6" or "unix". For "unix" only Path is set and Port is
	// always 0.
	Network string
	IP      net.IP
	Path    string

	// Port is 0 when unset. It is the only place the port is stored, for
	// every variant; HostPort and the binder read it from here.
	Port uint16
}

// ParseAddress parses a string in one of the forms documented in §4.2:
// "1.2.3.4", "1.2.3.4:80", "[::1]:443", "unix:/path", "example.com[:port]"
// or "*". The first matching form wins.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	if s == "*" {
		return Address{Kind: AddressWildcard}, nil
	}
	if rest, ok := strings.CutPrefix(s, "*:"); ok {
		port, err := parsePort(rest)
		if err != nil {
			return Address{}, fmt.Errorf("wildcard port: %w", err)
		}
		return Address{Kind: AddressWildcard, Port: port}, nil
	}

	if path, ok := strings.CutPrefix(s, "unix:"); ok {
		if path == "" {
			return Address{}, fmt.Errorf("empty unix path")
		}
		return Address{Kind: AddressSockaddr, Network: "unix", Path: path}, nil
	}

	// Bracketed IPv6, optionally with a port: "[::1]" or "[::1]:443"
	if strings.HasPrefix(s, "[") {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			// might be "[::1]" with no port
			host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
			ip := net.ParseIP(host)
			if ip == nil {
				return Address{}, fmt.Errorf("invalid IPv6 address %q", s)
			}
			return Address{Kind: AddressSockaddr, Network: "ip6", IP: ip}, nil
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return Address{}, fmt.Errorf("invalid IPv6 address %q", s)
		}
		p, err := parsePort(port)
		if err != nil {
			return Address{}, err
		}
		return Address{Kind: AddressSockaddr, Network: "ip6", IP: ip, Port: p}, nil
	}

	// Raw (unbracketed) IPv6, no port possible since ':' is ambiguous.
	if ip := net.ParseIP(s); ip != nil && strings.Contains(s, ":") {
		return Address{Kind: AddressSockaddr, Network: "ip6", IP: ip}, nil
	}

	// host:port where the tail is fully numeric: split on the last colon.
	if i := strings.LastIndex(s, ":"); i >= 0 {
		host, port := s[:i], s[i+1:]
		if isNumeric(port) {
			p, err := parsePort(port)
			if err != nil {
				return Address{}, err
			}
			if ip := net.ParseIP(host); ip != nil {
				return Address{Kind: AddressSockaddr, Network: "ip4", IP: ip, Port: p}, nil
			}
			if err := validHostname(host); err != nil {
				return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
			}
			return Address{Kind: AddressHostname, Hostname: strings.ToLower(host), Port: p}, nil
		}
	}

	// Bare IPv4.
	if ip := net.ParseIP(s); ip != nil {
		return Address{Kind: AddressSockaddr, Network: "ip4", IP: ip}, nil
	}

	// Bare hostname.
	if err := validHostname(s); err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address{Kind: AddressHostname, Hostname: strings.ToLower(s)}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return uint16(n), nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// validHostname checks a DNS name against the rules in §3: 1-255 bytes
// total, labels 1-63 bytes of [A-Za-z0-9_-], no leading or trailing
// hyphen.
func validHostname(name string) error {
	if name == "" {
		return fmt.Errorf("hostname empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("hostname %q too long", name)
	}
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("hostname %q: empty label", name)
		}
		if len(label) > 63 {
			return fmt.Errorf("hostname %q: label %q too long", name, label)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("hostname %q: label %q can not start or end with -", name, label)
		}
		for _, c := range label {
			switch {
			case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
			default:
				return fmt.Errorf("hostname %q: invalid character %q", name, string(c))
			}
		}
	}
	return nil
}

// SetPort sets the port, per the late-binding rule in §4.2. Address has a
// single Port field for every variant, so there is no separate sockaddr
// copy to update.
func (a *Address) SetPort(port uint16) {
	a.Port = port
}

// String re-encodes the Address in its canonical display form.
func (a Address) String() string {
	switch a.Kind {
	case AddressWildcard:
		if a.Port != 0 {
			return fmt.Sprintf("*:%d", a.Port)
		}
		return "*"
	case AddressHostname:
		if a.Port != 0 {
			return fmt.Sprintf("%s:%d", a.Hostname, a.Port)
		}
		return a.Hostname
	case AddressSockaddr:
		switch a.Network {
		case "unix":
			return "unix:" + a.Path
		case "ip6":
			if a.Port != 0 {
				return fmt.Sprintf("[%s]:%d", a.IP.String(), a.Port)
			}
			return "[" + a.IP.String() + "]"
		default: // ip4
			if a.Port != 0 {
				return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
			}
			return a.IP.String()
		}
	default:
		return "?"
	}
}

// MarshalText implements encoding.TextMarshaler so Address can be embedded
// directly in TOML-decoded configuration structs.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// encoded returns a byte representation used for ordering, distinct per
// variant and independent of display formatting.
func (a Address) encoded() []byte {
	switch a.Kind {
	case AddressHostname:
		return []byte(a.Hostname)
	case AddressSockaddr:
		switch a.Network {
		case "unix":
			return []byte(a.Path)
		default:
			return a.IP
		}
	case AddressWildcard:
		return nil
	}
	return nil
}

// Less orders Addresses by variant tag, then lexicographically on the
// encoded bytes, then by port, as required for deterministic Listener
// insertion order.
func (a Address) Less(b Address) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if c := bytes.Compare(a.encoded(), b.encoded()); c != 0 {
		return c < 0
	}
	return a.Port < b.Port
}

// SortAddresses sorts a slice of Addresses per the Less ordering.
func SortAddresses(addrs []Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}

// HostPort renders the address as a "host:port" (or "[host]:port" for
// IPv6, or a raw path for unix sockets) string suitable for net.Dial. It
// is only valid for the Sockaddr variant.
func (a Address) HostPort() string {
	switch a.Network {
	case "unix":
		return a.Path
	default:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
	}
}

// DialNetwork returns the net.Dial network name for the address: "tcp",
// "tcp6" or "unix".
func (a Address) DialNetwork() string {
	switch a.Network {
	case "unix":
		return "unix"
	case "ip6":
		return "tcp6"
	default:
		return "tcp"
	}
}

// addressFromNetAddr converts a net.Addr (as returned by Conn.RemoteAddr)
// into the Sockaddr variant of Address, used by the transparent-proxy path
// to recover the client's address for the Binder's spoofed outbound bind.
func addressFromNetAddr(na net.Addr) (Address, error) {
	tcpAddr, ok := na.(*net.TCPAddr)
	if !ok {
		return Address{}, fmt.Errorf("unsupported address type %T for transparent proxy", na)
	}
	network := "ip4"
	if tcpAddr.IP.To4() == nil {
		network = "ip6"
	}
	return Address{
		Kind:    AddressSockaddr,
		Network: network,
		IP:      tcpAddr.IP,
		Port:    uint16(tcpAddr.Port),
	}, nil
}
