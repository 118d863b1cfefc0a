package sniproxy

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestBufferPushPopFIFO(t *testing.T) {
	b := NewBuffer(64, 4096)
	want := []byte("hello, world")
	if err := b.Push(want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	n := b.Pop(got)
	if n != len(want) {
		t.Fatalf("Pop returned %d bytes, want %d", n, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Pop returned %q, want %q", got, want)
	}
}

func TestBufferLenRoomInvariant(t *testing.T) {
	b := NewBuffer(64, 4096)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		if r.Intn(2) == 0 && b.Room() > 0 {
			n := r.Intn(b.Room()) + 1
			p := make([]byte, n)
			_ = b.Push(p)
		} else if b.Len() > 0 {
			n := r.Intn(b.Len()) + 1
			p := make([]byte, n)
			b.Pop(p)
		}
		if b.Len()+b.Room() != b.Cap() {
			t.Fatalf("invariant broken: len=%d room=%d cap=%d", b.Len(), b.Room(), b.Cap())
		}
	}
}

func TestBufferPeekIdempotent(t *testing.T) {
	b := NewBuffer(64, 4096)
	_ = b.Push([]byte("abcdef"))
	p1 := make([]byte, 4)
	p2 := make([]byte, 4)
	n1 := b.Peek(p1)
	n2 := b.Peek(p2)
	if n1 != n2 || !bytes.Equal(p1, p2) {
		t.Fatalf("Peek not idempotent: %q vs %q", p1[:n1], p2[:n2])
	}
}

func TestBufferWrapAndCoalesce(t *testing.T) {
	b := NewBuffer(8, 4096)
	_ = b.Push([]byte("ABCDEF"))
	consumed := make([]byte, 4)
	b.Pop(consumed)
	_ = b.Push([]byte("GHIJ")) // should wrap past the end of the 8-byte ring
	view := b.Coalesce()
	if string(view) != "EFGHIJ" {
		t.Fatalf("Coalesce() = %q, want %q", view, "EFGHIJ")
	}
}

func TestBufferNoRoomFailsWhole(t *testing.T) {
	b := NewBuffer(8, 8)
	err := b.Push(make([]byte, 100))
	if err != ErrNoRoom {
		t.Fatalf("expected ErrNoRoom, got %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("Push must not partially write, len=%d", b.Len())
	}
}

func TestBufferResizeShrinkFails(t *testing.T) {
	b := NewBuffer(64, 4096)
	_ = b.Push(make([]byte, 40))
	if err := b.Resize(16); err != ErrShrink {
		t.Fatalf("expected ErrShrink, got %v", err)
	}
}
