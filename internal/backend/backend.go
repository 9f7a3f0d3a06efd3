// Package backend defines the narrow interface the engine uses to drive a
// model's forward pass and sample tokens from its output, plus two
// implementations: a compact reference transformer and a trivial stub for
// unit tests. Neither is a production numeric kernel; tokenizer loading,
// weight file formats, and GPU kernels are out of scope for this project.
package backend

import (
	"context"
	"errors"

	"github.com/cortexstream/cortexstream/internal/kvcache"
	"github.com/cortexstream/cortexstream/internal/logits"
)

// ErrNotLoaded is returned by Prefill/Decode/Warmup when called before a
// successful LoadModel.
var ErrNotLoaded = errors.New("backend: model not loaded")

// Backend is the model-forward-pass collaborator consumed by
// internal/engine. Implementations are not required to be safe for
// concurrent use; the engine's single-threaded loop is the only caller.
type Backend interface {
	IsLoaded() bool
	LoadModel(path string) (bool, error)
	Warmup(ctx context.Context) error

	// Prefill returns a flat [batchSize*VocabSize] tensor of last-position
	// logits per row. Row i's tokens occupy tokens[offsets[i]:offsets[i+1]]
	// and belong to the KV-cache entry ids[i] — a backend that reads/writes
	// per-row views (BindKVCache) needs ids to address them; a row-index
	// alone does not identify a sequence entry.
	Prefill(ctx context.Context, batchSize int, tokens []int, offsets []int, ids []string) ([]float32, error)

	// Decode returns a flat [batchSize*VocabSize] tensor of logits per row
	// after advancing each row by lastTokens[i], or request.NoLastToken for
	// a row on its first decode tick. ids[i] is the KV-cache entry row i
	// belongs to.
	Decode(ctx context.Context, batchSize int, lastTokens []int, ids []string) ([]float32, error)

	SampleToken(logitsRow []float32, sampling logits.SamplingParams) (int, error)

	HiddenSize() int
	NumLayers() int
	VocabSize() int
	NumHeads() int
	HeadDim() int
	BlockSize() int

	// BindKVCache gives the backend the handle it writes/reads per-row,
	// per-layer views through during Prefill/Decode. Must be called before
	// the first Prefill.
	BindKVCache(kv *kvcache.Cache)
}
