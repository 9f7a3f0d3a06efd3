// Package kvcache owns the K and V arenas and the per-request bookkeeping
// (block handle, write cursor) needed to hand the model backend zero-copy
// views into them. It knows nothing about sampling or scheduling.
package kvcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cortexstream/cortexstream/internal/block"
)

var (
	// ErrOutOfKVBlocks is returned by AllocateFor when the underlying
	// allocator has no run of the required size.
	ErrOutOfKVBlocks = errors.New("kv: out of blocks")
	// ErrDuplicateID is returned by AllocateFor when an entry for id
	// already exists.
	ErrDuplicateID = errors.New("kv: duplicate id")
	// ErrUnknownID is returned by the view accessors for an id with no
	// live entry.
	ErrUnknownID = errors.New("kv: unknown id")
	// ErrInvalidLayer is returned when layer is outside [0, numLayers).
	ErrInvalidLayer = errors.New("kv: invalid layer")
)

// Config describes the fixed shape of the arenas. All fields are set once
// at construction and never change for the process's lifetime.
type Config struct {
	NumLayers   int
	TotalBlocks int
	NumHeads    int
	BlockSize   int
	HeadDim     int
}

func (c Config) validate() error {
	if c.NumLayers <= 0 || c.TotalBlocks <= 0 || c.NumHeads <= 0 || c.BlockSize <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("kv: all of NumLayers, TotalBlocks, NumHeads, BlockSize, HeadDim must be > 0, got %+v", c)
	}
	return nil
}

type entry struct {
	handle     block.Handle
	tokensUsed int
	maxAllowed int
}

// Cache owns the K/V arenas (logical shape
// [numLayers, totalBlocks, numHeads, blockSize, headDim]) and the map from
// request id to its SequenceEntry.
type Cache struct {
	cfg   Config
	alloc *block.Allocator

	mu      sync.Mutex
	entries map[string]*entry

	k []float32
	v []float32

	layerStride int // totalBlocks * numHeads * blockSize * headDim
	blockStride int // numHeads * blockSize * headDim
	headStride  int // blockSize * headDim
}

// New allocates the K and V arenas and returns an empty Cache. The arenas
// are sized once, here, for the lifetime of the process; there is no
// growth path.
func New(cfg Config) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	size := cfg.NumLayers * cfg.TotalBlocks * cfg.NumHeads * cfg.BlockSize * cfg.HeadDim
	c := &Cache{
		cfg:         cfg,
		alloc:       block.New(cfg.TotalBlocks),
		entries:     make(map[string]*entry),
		k:           make([]float32, size),
		v:           make([]float32, size),
		layerStride: cfg.TotalBlocks * cfg.NumHeads * cfg.BlockSize * cfg.HeadDim,
		blockStride: cfg.NumHeads * cfg.BlockSize * cfg.HeadDim,
		headStride:  cfg.BlockSize * cfg.HeadDim,
	}
	return c, nil
}

// blocksNeeded returns the number of blocks required to hold tokens
// positions, with a floor of 1: a live sequence always owns at least one
// block, since it must be able to decode at least one further token.
func blocksNeeded(tokens, blockSize int) int {
	if tokens <= 0 {
		return 1
	}
	n := (tokens + blockSize - 1) / blockSize
	if n < 1 {
		n = 1
	}
	return n
}

// AllocateFor computes n = ceil(initialTokens/blockSize) (at least 1, see
// blocksNeeded), requests n blocks
// from the allocator, and on success records a SequenceEntry with
// tokensUsed=initialTokens and maxAllowed=n*blockSize. It fails if an entry
// for id already exists (ErrDuplicateID) or the allocator is out of space
// (ErrOutOfKVBlocks).
func (c *Cache) AllocateFor(id string, initialTokens int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return false, ErrDuplicateID
	}
	n := blocksNeeded(initialTokens, c.cfg.BlockSize)
	h, ok := c.alloc.Allocate(n)
	if !ok {
		return false, ErrOutOfKVBlocks
	}
	c.entries[id] = &entry{
		handle:     h,
		tokensUsed: initialTokens,
		maxAllowed: n * c.cfg.BlockSize,
	}
	return true, nil
}

// FreeFor removes id's entry and frees its blocks. It is a no-op for an
// unknown id.
func (c *Cache) FreeFor(id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	if ok {
		c.alloc.Free(e.handle)
	}
}

// AppendToken advances id's write cursor by one if capacity remains. It
// returns false both when id is unknown and when tokensUsed has reached
// maxAllowed — the caller's signal to retire the request rather than grow
// its cache (cache growth is out of scope).
func (c *Cache) AppendToken(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.tokensUsed >= e.maxAllowed {
		return false
	}
	e.tokensUsed++
	return true
}

// WouldAccept reports whether AppendToken(id) would currently succeed,
// without mutating any state. The engine uses this to pre-check decode-time
// KV capacity after sampling and before appending the token (see
// SPEC_FULL.md §9.3).
func (c *Cache) WouldAccept(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.tokensUsed < e.maxAllowed
}

// UsedTokens returns id's current write cursor and whether id has a live
// entry.
func (c *Cache) UsedTokens(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return e.tokensUsed, true
}

// TokenOffsetInBlock returns tokensUsed mod blockSize for id.
func (c *Cache) TokenOffsetInBlock(id string) (int, bool) {
	used, ok := c.UsedTokens(id)
	if !ok {
		return 0, false
	}
	return used % c.cfg.BlockSize, true
}

// snapshot copies out exactly what a View needs under the entry-map lock,
// so the lock is not held while the caller reads or writes arena memory.
func (c *Cache) snapshot(id string) (block.Handle, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return block.Handle{}, 0, ErrUnknownID
	}
	return e.handle, e.tokensUsed, nil
}

// KView returns a zero-copy view of id's K memory for layer, shaped
// [numHeads, tokensUsed, headDim] and addressed per head via View.Head.
func (c *Cache) KView(id string, layer int) (View, error) {
	return c.view(c.k, id, layer)
}

// VView is the V-arena counterpart of KView.
func (c *Cache) VView(id string, layer int) (View, error) {
	return c.view(c.v, id, layer)
}

func (c *Cache) view(arena []float32, id string, layer int) (View, error) {
	if layer < 0 || layer >= c.cfg.NumLayers {
		return View{}, ErrInvalidLayer
	}
	handle, tokensUsed, err := c.snapshot(id)
	if err != nil {
		return View{}, err
	}
	return View{
		arena:       arena,
		blockStart:  handle.Start,
		numBlocks:   handle.Num,
		layer:       layer,
		tokens:      tokensUsed,
		numHeads:    c.cfg.NumHeads,
		blockSize:   c.cfg.BlockSize,
		headDim:     c.cfg.HeadDim,
		layerStride: c.layerStride,
		blockStride: c.blockStride,
		headStride:  c.headStride,
	}, nil
}

// TotalBlocks, UsedBlocks, FreeBlocks, and Fragmentation delegate to the
// underlying allocator.
func (c *Cache) TotalBlocks() int      { return c.alloc.TotalBlocks() }
func (c *Cache) UsedBlocks() int       { return c.alloc.UsedBlocks() }
func (c *Cache) FreeBlocks() int       { return c.alloc.FreeBlocks() }
func (c *Cache) Fragmentation() float64 { return c.alloc.Fragmentation() }

// SequenceCount returns the number of live entries.
func (c *Cache) SequenceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fullness returns UsedBlocks/TotalBlocks.
func (c *Cache) Fullness() float64 {
	total := c.TotalBlocks()
	if total == 0 {
		return 0
	}
	return float64(c.UsedBlocks()) / float64(total)
}

// BlockSize returns the configured block size.
func (c *Cache) BlockSize() int { return c.cfg.BlockSize }

// NumLayers returns the configured number of layers.
func (c *Cache) NumLayers() int { return c.cfg.NumLayers }

// NumHeads returns the configured number of attention heads.
func (c *Cache) NumHeads() int { return c.cfg.NumHeads }

// HeadDim returns the configured per-head dimension.
func (c *Cache) HeadDim() int { return c.cfg.HeadDim }
