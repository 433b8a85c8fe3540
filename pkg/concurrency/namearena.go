package concurrency

import "sync/atomic"

// NameArena is a concurrent, append-only byte arena for NUL-terminated
// names. Writers reserve space with an atomic fetch-add on a write cursor,
// then copy into the reserved region of the backing Seg[byte] without
// holding any lock; only cursor growth past an allocated block triggers the
// Seg's block-allocation mutex. This mirrors ThreadSafeNameTable's
// allocate-then-copy discipline.
type NameArena struct {
	buf    *Seg[byte]
	cursor uint64 // next free byte offset
}

// NewNameArena returns an empty arena.
func NewNameArena() *NameArena {
	return &NameArena{buf: NewSeg[byte]()}
}

// Append reserves len(s)+1 bytes, writes s followed by a NUL terminator, and
// returns the offset the string starts at.
func (a *NameArena) Append(s string) uint32 {
	n := uint64(len(s) + 1)
	off := atomic.AddUint64(&a.cursor, n) - n
	for i := 0; i < len(s); i++ {
		*a.buf.At(int(off) + i) = s[i]
	}
	*a.buf.At(int(off) + len(s)) = 0
	return uint32(off)
}

// Len returns the number of bytes written so far.
func (a *NameArena) Len() int { return int(atomic.LoadUint64(&a.cursor)) }

// Bytes flattens the arena into a single contiguous slice.
func (a *NameArena) Bytes() []byte { return a.buf.Flatten(a.Len()) }
