package sniproxy

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultBufferSize is the maximum size a Buffer grows to when NewBuffer is
// given no maximum, matching §4.5.
const DefaultBufferSize = 4096

// ErrNoRoom is returned by Push when there isn't enough free space to
// accept the entire slice. Push never partial-writes.
var ErrNoRoom = errors.New("buffer: no room")

// ErrShrink is returned by Resize when asked to shrink below the current
// length.
var ErrShrink = errors.New("buffer: can not shrink below current length")

// Buffer is a power-of-two sized circular byte ring. It is the unit of
// per-direction staging between a Connection's client and server sides:
// bytes are Pushed in from a Read() off one socket and Popped out via
// Write() to the other, possibly in a different wakeup.
//
// A Buffer is not safe for concurrent use; copyBuffered in connection.go
// allocates one per relay direction and never shares it across goroutines.
type Buffer struct {
	data []byte
	head int
	len  int
	max  int

	txTotal, rxTotal uint64
	lastSend, lastRecv time.Time
}

// NewBuffer returns a Buffer with the given initial capacity (rounded up
// to a power of two; 64 when initial <= 0) and maximum growth size
// (DefaultBufferSize when max <= 0).
func NewBuffer(initial, max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	if initial <= 0 {
		initial = 64
	}
	return &Buffer{
		data: make([]byte, nextPowerOfTwo(initial)),
		max:  nextPowerOfTwo(max),
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Len returns the number of bytes currently buffered.
func (b *Buffer) Len() int { return b.len }

// Cap returns the current underlying capacity (a power of two).
func (b *Buffer) Cap() int { return len(b.data) }

// Room returns how many more bytes could be Pushed without growing,
// satisfying the invariant Len()+Room() == Cap().
func (b *Buffer) Room() int { return len(b.data) - b.len }

// Empty reports whether the buffer currently holds no bytes.
func (b *Buffer) Empty() bool { return b.len == 0 }

// Push appends p to the ring, growing to the smallest power of two that
// fits (never beyond max) if there isn't enough room. It fails with ErrNoRoom rather than partially
// writing if p can never fit even after growing to max.
func (b *Buffer) Push(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.Room() < len(p) {
		needed := b.len + len(p)
		if needed > b.max {
			return ErrNoRoom
		}
		if err := b.grow(needed); err != nil {
			return err
		}
	}
	tail := (b.head + b.len) % len(b.data)
	n := copy(b.data[tail:], p)
	if n < len(p) {
		copy(b.data, p[n:])
	}
	b.len += len(p)
	return nil
}

func (b *Buffer) grow(needed int) error {
	newSize := nextPowerOfTwo(needed)
	if newSize > b.max {
		newSize = nextPowerOfTwo(b.max)
		if newSize < needed {
			return ErrNoRoom
		}
	}
	return b.resizeTo(newSize)
}

// Resize changes the underlying capacity to the next power of two ≥ n. It
// fails if n is smaller than the current length.
func (b *Buffer) Resize(n int) error {
	if n < b.len {
		return ErrShrink
	}
	return b.resizeTo(nextPowerOfTwo(n))
}

func (b *Buffer) resizeTo(newSize int) error {
	if newSize == len(b.data) {
		return nil
	}
	fresh := make([]byte, newSize)
	b.copyOut(fresh)
	b.data = fresh
	b.head = 0
	return nil
}

// copyOut copies the buffered bytes, in order, into dst (which must be at
// least Len() bytes).
func (b *Buffer) copyOut(dst []byte) {
	if b.len == 0 {
		return
	}
	first, second := b.segments()
	n := copy(dst, first)
	copy(dst[n:], second)
}

// segments returns the up-to-two contiguous byte slices making up the
// buffered content, in order, without copying. The second slice is empty
// unless the content wraps the end of the underlying array.
func (b *Buffer) segments() (first, second []byte) {
	if b.len == 0 {
		return nil, nil
	}
	end := b.head + b.len
	if end <= len(b.data) {
		return b.data[b.head:end], nil
	}
	return b.data[b.head:], b.data[:end-len(b.data)]
}

// Pop removes and returns up to len(p) bytes in FIFO order, copying them
// into p. It returns the number of bytes copied.
func (b *Buffer) Pop(p []byte) int {
	n := b.Peek(p)
	b.head = (b.head + n) % len(b.data)
	b.len -= n
	return n
}

// Peek copies up to len(p) bytes into p without consuming them. Calling
// Peek repeatedly with the same buffer returns the same bytes (it is
// idempotent).
func (b *Buffer) Peek(p []byte) int {
	n := len(p)
	if n > b.len {
		n = b.len
	}
	if n == 0 {
		return 0
	}
	first, second := b.segments()
	c := copy(p, first)
	if c < n {
		c += copy(p[c:], second[:n-c])
	}
	return n
}

// Discard removes up to n buffered bytes without copying them out,
// returning the number actually discarded.
func (b *Buffer) Discard(n int) int {
	if n > b.len {
		n = b.len
	}
	b.head = (b.head + n) % len(b.data)
	b.len -= n
	return n
}

// Coalesce returns a contiguous view of the buffered bytes, rotating the
// underlying storage (head becomes 0) if the content currently straddles
// the wrap boundary. The returned slice aliases the Buffer's storage and
// is only valid until the next mutating call.
func (b *Buffer) Coalesce() []byte {
	if b.len == 0 {
		return nil
	}
	first, second := b.segments()
	if len(second) == 0 {
		return first
	}
	rotated := make([]byte, len(b.data))
	n := copy(rotated, first)
	copy(rotated[n:], second)
	b.data = rotated
	b.head = 0
	return b.data[:b.len]
}

// ReadFrom reads from fd into the buffer's free space using a two-segment
// scatter read (via unix.Readv where the free space wraps the end of
// the ring), growing first if there is no room at all. It returns the
// number of bytes read and updates the receive counters.
func (b *Buffer) ReadFrom(fd int) (int, error) {
	if b.Room() == 0 {
		if err := b.grow(b.len + 1); err != nil {
			return 0, err
		}
	}
	iovecs := b.freeIOVecs()
	n, err := readv(fd, iovecs)
	if n > 0 {
		b.len += n
		b.rxTotal += uint64(n)
		b.lastRecv = time.Now()
	}
	return n, err
}

// WriteTo writes up to Len() buffered bytes to fd using a two-segment
// gather write, consuming whatever was successfully written. It returns
// the number of bytes written and updates the send counters.
func (b *Buffer) WriteTo(fd int) (int, error) {
	if b.len == 0 {
		return 0, nil
	}
	first, second := b.segments()
	iovecs := toIOVecs(first, second)
	n, err := writev(fd, iovecs)
	if n > 0 {
		b.head = (b.head + n) % len(b.data)
		b.len -= n
		b.txTotal += uint64(n)
		b.lastSend = time.Now()
	}
	return n, err
}

// freeIOVecs returns up to two I/O vectors describing the buffer's free
// space, in the order bytes should be written into them.
func (b *Buffer) freeIOVecs() []unix.Iovec {
	room := b.Room()
	if room == 0 {
		return nil
	}
	tail := (b.head + b.len) % len(b.data)
	if tail+room <= len(b.data) {
		return toIOVecs(b.data[tail : tail+room])
	}
	firstLen := len(b.data) - tail
	return toIOVecs(b.data[tail:], b.data[:room-firstLen])
}

func toIOVecs(segs ...[]byte) []unix.Iovec {
	var iovecs []unix.Iovec
	for _, s := range segs {
		if len(s) == 0 {
			continue
		}
		var iov unix.Iovec
		iov.SetLen(len(s))
		iov.Base = &s[0]
		iovecs = append(iovecs, iov)
	}
	return iovecs
}

// readv and writev wrap the platform scatter/gather syscalls via
// golang.org/x/sys/unix, giving the Buffer true two-segment I/O across the
// ring's wrap boundary instead of requiring a Coalesce copy on every
// wakeup.
func readv(fd int, iovecs []unix.Iovec) (int, error) {
	if len(iovecs) == 0 {
		return 0, nil
	}
	n, err := unix.Readv(fd, iovecs)
	return n, err
}

func writev(fd int, iovecs []unix.Iovec) (int, error) {
	if len(iovecs) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(fd, iovecs)
	return n, err
}

// TxTotal returns the cumulative number of bytes written out of this
// buffer since creation, for access-log accounting.
func (b *Buffer) TxTotal() uint64 { return b.txTotal }

// RxTotal returns the cumulative number of bytes read into this buffer
// since creation, for access-log accounting.
func (b *Buffer) RxTotal() uint64 { return b.rxTotal }

// LastSend returns the time of the most recent successful WriteTo.
func (b *Buffer) LastSend() time.Time { return b.lastSend }

// LastRecv returns the time of the most recent successful ReadFrom.
func (b *Buffer) LastRecv() time.Time { return b.lastRecv }
