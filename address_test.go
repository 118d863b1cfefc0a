package sniproxy

import "testing"

func TestAddressRoundTrip(t *testing.T) {
	cases := []struct{ in, want string }{
		{"192.0.2.10", "192.0.2.10"},
		{"192.0.2.10:80", "192.0.2.10:80"},
		{"::1", "[::1]"},
		{"[2001:db8::1]:65535", "[2001:db8::1]:65535"},
		{"unix:/tmp/foo.sock", "unix:/tmp/foo.sock"},
		{"*", "*"},
		{"www.example.com", "www.example.com"},
	}
	for _, c := range cases {
		a, err := ParseAddress(c.in)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", c.in, err)
		}
		if got := a.String(); got != c.want {
			t.Errorf("ParseAddress(%q).String() = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestAddressRejected(t *testing.T) {
	cases := []string{
		"",
		"www..example.com",
		`1n\/l1|>|-|0$T|\|4M`,
	}
	for _, s := range cases {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("ParseAddress(%q) succeeded, want error", s)
		}
	}
}

func TestAddressOrdering(t *testing.T) {
	h1, _ := ParseAddress("a.example.com")
	h2, _ := ParseAddress("b.example.com")
	s1, _ := ParseAddress("10.0.0.1")
	w, _ := ParseAddress("*")

	if !h1.Less(s1) {
		t.Error("hostname should sort before sockaddr by variant tag")
	}
	if !h1.Less(h2) {
		t.Error("a.example.com should sort before b.example.com")
	}
	if !h2.Less(w) {
		t.Error("hostname should sort before wildcard by variant tag")
	}
}

func TestAddressSetPort(t *testing.T) {
	a, err := ParseAddress("example.com")
	if err != nil {
		t.Fatal(err)
	}
	a.SetPort(443)
	if got, want := a.String(), "example.com:443"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
