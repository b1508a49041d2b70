package memtable

import "sync/atomic"

// blockSize is the size of each arena growth block.
const blockSize = 4096

// arenaLargeThreshold is the size above which a request gets its own
// dedicated block instead of being bump-allocated out of the current one.
const arenaLargeThreshold = blockSize / 4

// Arena is a bump allocator: it hands out slices carved from growing
// 4 KiB blocks and never frees individual allocations. All memory is
// released together when the Arena (and everything built on it, i.e.
// the MemTable) is discarded. This keeps per-key allocation cost low
// and lets MemTable report its total footprint with a single counter
// instead of walking the skip list.
//
// An Arena is single-writer: only the goroutine inserting into the
// owning skip list may call Allocate/AllocateAligned. Readers only
// dereference slices the arena already handed out, which is safe
// because those slices are never mutated or freed out from under them.
type Arena struct {
	current    []byte
	usedBytes  atomic.Int64 // total bytes allocated, for size estimation
	blocks     [][]byte     // retained so the GC can't reclaim live slices
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{}
}

// Allocate returns a slice of exactly n freshly allocated bytes. The
// caller must not resize it past cap().
func (a *Arena) Allocate(n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > arenaLargeThreshold {
		// Requests larger than a quarter of a block get their own
		// allocation so that a single big value doesn't waste the
		// rest of the current block.
		return a.allocateFallback(n)
	}
	if len(a.current) < n {
		a.newBlock(blockSize)
	}
	buf := a.current[:n:n]
	a.current = a.current[n:]
	a.usedBytes.Add(int64(n))
	return buf
}

// AllocateAligned is like Allocate but rounds the returned slice's
// start up to a pointer-sized boundary, for types that care about
// alignment (none of ours currently do on pure Go slices, but this
// keeps the arena's contract explicit and matches the classic
// skip-list-arena API).
func (a *Arena) AllocateAligned(n int) []byte {
	const align = 8 // max(8, unsafe.Sizeof(uintptr(0))) on all supported platforms
	slop := len(a.current) % align
	if slop != 0 {
		pad := align - slop
		a.current = a.current[min(pad, len(a.current)):]
	}
	return a.Allocate(n)
}

func (a *Arena) allocateFallback(n int) []byte {
	buf := make([]byte, n)
	a.blocks = append(a.blocks, buf)
	a.usedBytes.Add(int64(n))
	return buf
}

func (a *Arena) newBlock(size int) {
	buf := make([]byte, size)
	a.blocks = append(a.blocks, buf)
	a.current = buf
}

// MemoryUsage returns the total number of bytes handed out so far.
// This is what MemTable.ApproximateMemoryUsage reports and what
// DBImpl compares against write_buffer_size to decide when to rotate.
func (a *Arena) MemoryUsage() int64 {
	return a.usedBytes.Load()
}
