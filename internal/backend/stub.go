package backend

import (
	"context"

	"github.com/cortexstream/cortexstream/internal/kvcache"
	"github.com/cortexstream/cortexstream/internal/logits"
)

// stubOverride pins the stub's peak token starting from a given Decode
// call index, replacing the default tick-counter pattern.
type stubOverride struct {
	fromCall int
	token    int
}

// Stub is a trivial, zero-floating-point-surface Backend for scheduler and
// engine unit tests that need a deterministic backend without caring about
// model fidelity at all. It performs no KV reads or writes; SampleToken is
// argmax, independent of sampling params, so tests can predict exactly
// which token id comes out on a given tick.
type Stub struct {
	vocab     int
	numLayers int
	numHeads  int
	headDim   int
	blockSize int
	loaded    bool

	tick        int
	decodeCalls int
	override    *stubOverride
}

// NewStub returns an unloaded Stub sized per cfg.
func NewStub(cfg Config) *Stub {
	return &Stub{
		vocab:     cfg.Vocab,
		numLayers: cfg.NumLayers,
		numHeads:  cfg.NumHeads,
		headDim:   cfg.HeadDim,
		blockSize: cfg.BlockSize,
	}
}

// WithEmit makes the stub peak at token starting with the fromCall'th
// Decode invocation (0-indexed) and every call after, overriding the
// default tick-counter pattern. Used to simulate a backend that emits a
// specific stop token after a fixed number of decode steps.
func (s *Stub) WithEmit(fromCall, token int) *Stub {
	s.override = &stubOverride{fromCall: fromCall, token: token}
	return s
}

func (s *Stub) IsLoaded() bool { return s.loaded }

func (s *Stub) LoadModel(path string) (bool, error) {
	s.loaded = true
	return true, nil
}

func (s *Stub) Warmup(ctx context.Context) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	return nil
}

func (s *Stub) BindKVCache(kv *kvcache.Cache) {}

func (s *Stub) HiddenSize() int { return s.numHeads * s.headDim }
func (s *Stub) NumLayers() int  { return s.numLayers }
func (s *Stub) VocabSize() int  { return s.vocab }
func (s *Stub) NumHeads() int   { return s.numHeads }
func (s *Stub) HeadDim() int    { return s.headDim }
func (s *Stub) BlockSize() int  { return s.blockSize }

// Prefill returns, for every row, a one-hot logits vector peaking at index
// (tick mod VocabSize) — matching the deterministic stub backend described
// for end-to-end scenario 1 in SPEC_FULL.md §8.
func (s *Stub) Prefill(ctx context.Context, batchSize int, tokens []int, offsets []int, ids []string) ([]float32, error) {
	if !s.loaded {
		return nil, ErrNotLoaded
	}
	out := make([]float32, batchSize*s.vocab)
	for row := 0; row < batchSize; row++ {
		s.onehot(out[row*s.vocab:(row+1)*s.vocab], s.tick)
	}
	s.tick++
	return out, nil
}

// Decode returns the same deterministic one-hot pattern as Prefill, unless
// WithEmit's call threshold has been reached, in which case it peaks at
// the overridden token instead.
func (s *Stub) Decode(ctx context.Context, batchSize int, lastTokens []int, ids []string) ([]float32, error) {
	if !s.loaded {
		return nil, ErrNotLoaded
	}
	out := make([]float32, batchSize*s.vocab)
	peak := s.tick
	if s.override != nil && s.decodeCalls >= s.override.fromCall {
		peak = s.override.token
	}
	for row := 0; row < batchSize; row++ {
		s.onehot(out[row*s.vocab:(row+1)*s.vocab], peak)
	}
	s.tick++
	s.decodeCalls++
	return out, nil
}

func (s *Stub) onehot(dst []float32, peak int) {
	dst[peak%s.vocab] = 1
}

func (s *Stub) SampleToken(logitsRow []float32, sampling logits.SamplingParams) (int, error) {
	best := 0
	for i, v := range logitsRow {
		if v > logitsRow[best] {
			best = i
		}
	}
	return best, nil
}
