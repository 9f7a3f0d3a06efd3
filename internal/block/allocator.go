// Package block implements a coalescing free-list allocator over a bounded
// index space of fixed-size blocks. It has no knowledge of layers, heads, or
// tokens — it only hands out and reclaims contiguous runs of block indices.
package block

import (
	"math/bits"
	"sort"
	"sync"
)

// Handle identifies a contiguous run of blocks. The zero Handle is invalid.
type Handle struct {
	Start int
	Num   int
}

// Valid reports whether h refers to a real, non-empty run.
func (h Handle) Valid() bool {
	return h.Num > 0
}

// Allocator hands out contiguous runs of blocks from a fixed-size pool.
// Free spans are segregated into buckets by size, keyed on the largest
// power of two not exceeding the span, so a request for n blocks only has
// to scan buckets of size >= n. On Free, a span is merged with whichever
// free neighbors are adjacent to it by address, not by buddy alignment,
// so totalBlocks need not itself be a power of two: a fully-free pool can
// always satisfy a single request for any n <= totalBlocks.
type Allocator struct {
	mu    sync.Mutex
	total int

	// freeLists[order] holds the start indices of free spans whose size
	// falls in [1<<order, 1<<(order+1)), sorted by start.
	freeLists map[int][]int

	// freeSize records the exact size of every currently free span,
	// keyed by its start index.
	freeSize map[int]int

	// allocSize records the size of every currently live allocation,
	// keyed by its start index, so Free can validate the handle it is
	// given and know how much to hand back.
	allocSize map[int]int

	freeCount int
	maxOrder  int
}

// New constructs an Allocator over totalBlocks blocks, seeded as a single
// free span covering [0, totalBlocks).
func New(totalBlocks int) *Allocator {
	a := &Allocator{
		total:     totalBlocks,
		freeLists: make(map[int][]int),
		freeSize:  make(map[int]int),
		allocSize: make(map[int]int),
		freeCount: totalBlocks,
	}
	if totalBlocks > 0 {
		a.maxOrder = orderFor(totalBlocks)
		a.insertFree(totalBlocks, 0)
	}
	return a
}

// Allocate returns a Handle covering exactly n blocks whose entire range is
// currently free, and marks them used. It returns ok=false if n <= 0, if
// n exceeds the pool size, or if no free span large enough exists.
func (a *Allocator) Allocate(n int) (Handle, bool) {
	if n <= 0 || n > a.total {
		return Handle{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start, ok := a.takeFree(n)
	if !ok {
		return Handle{}, false
	}
	a.allocSize[start] = n
	a.freeCount -= n
	return Handle{Start: start, Num: n}, true
}

// Free marks handle's range free again. It is a no-op if handle is invalid
// or does not match a currently-live allocation (including a handle that
// was already freed — double-free is safe).
func (a *Allocator) Free(h Handle) {
	if !h.Valid() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.allocSize[h.Start]
	if !ok || size != h.Num {
		return
	}
	delete(a.allocSize, h.Start)
	a.freeCount += h.Num
	a.mergeFree(size, h.Start)
}

// FreeBlocks returns the number of currently unallocated blocks.
func (a *Allocator) FreeBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCount
}

// UsedBlocks returns the number of currently allocated blocks.
func (a *Allocator) UsedBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.freeCount
}

// TotalBlocks returns the fixed pool size passed to New.
func (a *Allocator) TotalBlocks() int {
	return a.total
}

// Fragmentation returns 1 - (largest free span / total free blocks), in
// [0, 1]. It is 0 when there are no free blocks.
func (a *Allocator) Fragmentation() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeCount == 0 {
		return 0
	}
	largest := a.largestFreeRunLocked()
	return 1 - float64(largest)/float64(a.freeCount)
}

func (a *Allocator) largestFreeRunLocked() int {
	largest := 0
	for _, size := range a.freeSize {
		if size > largest {
			largest = size
		}
	}
	return largest
}

// takeFree finds a free span of size >= n, starting its search at the
// bucket n itself would occupy and widening outward, and carves exactly n
// blocks off its low end, pushing any remainder back onto the free lists.
// Must be called with mu held.
func (a *Allocator) takeFree(n int) (int, bool) {
	for order := bucketFor(n); order <= a.maxOrder; order++ {
		list := a.freeLists[order]
		for i, start := range list {
			size := a.freeSize[start]
			if size < n {
				continue
			}
			a.removeFree(order, i)
			if rem := size - n; rem > 0 {
				a.insertFree(rem, start+n)
			}
			return start, true
		}
	}
	return 0, false
}

// mergeFree inserts a newly-freed span, repeatedly absorbing whichever
// free neighbor sits immediately to its left or right, then records
// whatever span results. Must be called with mu held.
func (a *Allocator) mergeFree(size, start int) {
	for {
		merged := false
		for order, list := range a.freeLists {
			for i, s := range list {
				sz := a.freeSize[s]
				switch {
				case s+sz == start:
					a.removeFree(order, i)
					start, size = s, size+sz
				case start+size == s:
					a.removeFree(order, i)
					size += sz
				default:
					continue
				}
				merged = true
				break
			}
			if merged {
				break
			}
		}
		if !merged {
			break
		}
	}
	a.insertFree(size, start)
}

func (a *Allocator) insertFree(size, start int) {
	if size <= 0 {
		return
	}
	order := bucketFor(size)
	if order > a.maxOrder {
		a.maxOrder = order
	}
	list := a.freeLists[order]
	idx := sort.SearchInts(list, start)
	list = append(list, 0)
	copy(list[idx+1:], list[idx:])
	list[idx] = start
	a.freeLists[order] = list
	a.freeSize[start] = size
}

func (a *Allocator) removeFree(order, idx int) {
	list := a.freeLists[order]
	start := list[idx]
	a.freeLists[order] = append(list[:idx:idx], list[idx+1:]...)
	delete(a.freeSize, start)
}

// orderFor returns the smallest order such that 1<<order >= n.
func orderFor(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// bucketFor returns the free-list bucket a span of the given size sorts
// into: the largest order such that 1<<order <= size.
func bucketFor(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size)) - 1
}
