package backend

import (
	"context"
	"math"

	"github.com/cortexstream/cortexstream/internal/kvcache"
	"github.com/cortexstream/cortexstream/internal/logits"
)

// Config describes the fixed shape of a Reference model. The hidden size
// is NumHeads*HeadDim.
type Config struct {
	Vocab     int
	NumLayers int
	NumHeads  int
	HeadDim   int
	BlockSize int
	Seed      int64
}

type refLayer struct {
	wq, wk, wv, wo mat
}

// Reference is a small, deterministic, CPU-only transformer-shaped model.
// It reads and writes its attention history directly through
// kvcache.View, so it genuinely exercises the paged-cache coordination
// contract of §4.2/§6 rather than standing in as a lookup table. It makes
// no attempt at RMSNorm, rope, or any production numeric kernel — those
// are out of scope (see internal/backend package doc).
type Reference struct {
	cfg    Config
	hidden int
	loaded bool
	kv     *kvcache.Cache

	emb        mat // [Vocab x hidden]
	layers     []refLayer
	wOut       mat // [hidden x Vocab]
	bias       []float32
	continueVec []float32 // used as the query base on a first-decode tick
}

// NewReference constructs an unloaded Reference model. LoadModel must be
// called before Prefill/Decode.
func NewReference(cfg Config) *Reference {
	return &Reference{
		cfg:    cfg,
		hidden: cfg.NumHeads * cfg.HeadDim,
	}
}

func (r *Reference) IsLoaded() bool { return r.loaded }

// LoadModel seeds the model's weights deterministically from cfg.Seed.
// path is accepted for interface compatibility but ignored: this is a
// reference model, not a weight-file loader (out of scope, §1). Idempotent.
func (r *Reference) LoadModel(path string) (bool, error) {
	if r.loaded {
		return true, nil
	}
	h := r.hidden
	r.emb = newMat(r.cfg.Vocab, h)
	fillRand(r.emb, r.cfg.Seed+1)

	r.layers = make([]refLayer, r.cfg.NumLayers)
	for l := range r.layers {
		seed := r.cfg.Seed + int64(100+l*4)
		r.layers[l] = refLayer{
			wq: newMat(h, h),
			wk: newMat(h, h),
			wv: newMat(h, h),
			wo: newMat(h, h),
		}
		fillRand(r.layers[l].wq, seed+1)
		fillRand(r.layers[l].wk, seed+2)
		fillRand(r.layers[l].wv, seed+3)
		fillRand(r.layers[l].wo, seed+4)
	}

	r.wOut = newMat(h, r.cfg.Vocab)
	fillRand(r.wOut, r.cfg.Seed+999)
	r.bias = make([]float32, r.cfg.Vocab)

	r.continueVec = make([]float32, h)
	fillRand1D(r.continueVec, r.cfg.Seed+7)

	r.loaded = true
	return true, nil
}

func fillRand1D(v []float32, seed int64) {
	m := mat{rows: 1, cols: len(v), data: v}
	fillRand(m, seed)
}

// Warmup returns ErrNotLoaded before LoadModel and nil afterwards; it runs
// no forward pass, since LoadModel already allocates every weight.
func (r *Reference) Warmup(ctx context.Context) error {
	if !r.loaded {
		return ErrNotLoaded
	}
	return nil
}

func (r *Reference) BindKVCache(kv *kvcache.Cache) { r.kv = kv }

func (r *Reference) HiddenSize() int { return r.hidden }
func (r *Reference) NumLayers() int  { return r.cfg.NumLayers }
func (r *Reference) VocabSize() int  { return r.cfg.Vocab }
func (r *Reference) NumHeads() int   { return r.cfg.NumHeads }
func (r *Reference) HeadDim() int    { return r.cfg.HeadDim }
func (r *Reference) BlockSize() int  { return r.cfg.BlockSize }

// embed returns the embedding row for tok, wrapping negative or
// out-of-range ids into [0, Vocab).
func (r *Reference) embed(tok int) []float32 {
	v := r.cfg.Vocab
	tok %= v
	if tok < 0 {
		tok += v
	}
	return r.emb.row(tok)
}

func (r *Reference) Prefill(ctx context.Context, batchSize int, tokens []int, offsets []int, ids []string) ([]float32, error) {
	if !r.loaded {
		return nil, ErrNotLoaded
	}
	vocab := r.cfg.Vocab
	out := make([]float32, batchSize*vocab)

	for row := 0; row < batchSize; row++ {
		id := ids[row]
		promptTokens := tokens[offsets[row]:offsets[row+1]]

		var x []float32
		attnBound := -1
		if len(promptTokens) == 0 {
			x = append([]float32{}, r.continueVec...)
		} else {
			for pos, tok := range promptTokens {
				x = append([]float32{}, r.embed(tok)...)
				attnBound = pos
				x = r.step(id, x, pos, attnBound)
			}
		}
		if len(promptTokens) == 0 {
			x = r.step(id, x, -1, -1)
		}
		r.project(x, out[row*vocab:(row+1)*vocab])
	}
	return out, nil
}

func (r *Reference) Decode(ctx context.Context, batchSize int, lastTokens []int, ids []string) ([]float32, error) {
	if !r.loaded {
		return nil, ErrNotLoaded
	}
	vocab := r.cfg.Vocab
	out := make([]float32, batchSize*vocab)

	for row := 0; row < batchSize; row++ {
		id := ids[row]
		used, _ := r.kv.UsedTokens(id)

		var x []float32
		writePos := -1
		attnBound := used - 1
		if lastTokens[row] < 0 {
			x = append([]float32{}, r.continueVec...)
		} else {
			x = append([]float32{}, r.embed(lastTokens[row])...)
			writePos = used - 1
		}
		x = r.step(id, x, writePos, attnBound)
		r.project(x, out[row*vocab:(row+1)*vocab])
	}
	return out, nil
}

// step runs x through every layer of the model for sequence id. If
// writePos >= 0, each layer's K/V projection is written into the cache at
// writePos before attention reads back [0, attnBound] inclusive;
// otherwise nothing is written and the read-only window is still
// [0, attnBound]. attnBound < 0 means "no history", i.e. zero context.
func (r *Reference) step(id string, x []float32, writePos, attnBound int) []float32 {
	h := r.hidden
	headDim := r.cfg.HeadDim
	numHeads := r.cfg.NumHeads

	for l := range r.layers {
		layer := r.layers[l]
		q := make([]float32, h)
		k := make([]float32, h)
		v := make([]float32, h)
		matVec(layer.wq, x, q)
		matVec(layer.wk, x, k)
		matVec(layer.wv, x, v)

		var kview, vview kvcache.View
		if writePos >= 0 || attnBound >= 0 {
			var err error
			kview, err = r.kv.KView(id, l)
			if err != nil {
				break
			}
			vview, err = r.kv.VView(id, l)
			if err != nil {
				break
			}
		}

		if writePos >= 0 {
			for hd := 0; hd < numHeads; hd++ {
				kview.Head(hd).WriteRow(writePos, k[hd*headDim:(hd+1)*headDim])
				vview.Head(hd).WriteRow(writePos, v[hd*headDim:(hd+1)*headDim])
			}
		}

		ctxVec := make([]float32, h)
		if attnBound >= 0 {
			scale := float32(1 / math.Sqrt(float64(headDim)))
			scores := make([]float32, attnBound+1)
			for hd := 0; hd < numHeads; hd++ {
				qh := q[hd*headDim : (hd+1)*headDim]
				for j := 0; j <= attnBound; j++ {
					scores[j] = dot(qh, kview.Head(hd).Row(j)) * scale
				}
				softmax(scores)
				outh := ctxVec[hd*headDim : (hd+1)*headDim]
				for j := 0; j <= attnBound; j++ {
					w := scores[j]
					vj := vview.Head(hd).Row(j)
					for d := 0; d < headDim; d++ {
						outh[d] += w * vj[d]
					}
				}
			}
		}

		proj := make([]float32, h)
		matVec(layer.wo, ctxVec, proj)
		for d := range x {
			x[d] += proj[d]
		}
	}
	return x
}

func (r *Reference) project(x, dst []float32) {
	matVec(r.wOut, x, dst)
	for j := range dst {
		dst[j] += r.bias[j]
	}
}

func (r *Reference) SampleToken(logitsRow []float32, sampling logits.SamplingParams) (int, error) {
	return logits.New(sampling).Sample(logitsRow, nil), nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxv)))
		x[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range x {
		x[i] /= sum
	}
}
