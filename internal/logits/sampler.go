// Package logits turns a vector of model logits into a token id. Callers
// own history (recent tokens for the repetition penalty); a Sampler itself
// is stateless across calls except for its scratch buffers and RNG.
package logits

import (
	"math"
	"math/rand"
)

// SamplingParams mirrors internal/request.SamplingParams field-for-field so
// a backend can pass a request's params straight through without
// translation.
type SamplingParams struct {
	Greedy            bool
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	Seed              int64
}

// Sampler draws one token id from a logits vector, honouring priority
// greedy override > repetition penalty > temperature > topK/topP combos:
// a Greedy request always returns argmax regardless of the other fields;
// otherwise repetition penalty is applied to the raw logits first, then
// temperature scaling, then the topK/topP shortlist is built and sampled.
type Sampler struct {
	rng *rand.Rand
	cfg SamplingParams

	topIdx []int
	topVal []float32
	prob   []float64

	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// New returns a Sampler configured by cfg, filling in greedy-safe defaults
// for any unset field.
func New(cfg SamplingParams) *Sampler {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 1
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepetitionPenalty <= 0 {
		cfg.RepetitionPenalty = 1
	}
	return &Sampler{
		rng: rand.New(rand.NewSource(cfg.Seed)),
		cfg: cfg,
	}
}

// Sample draws a single index from logits. recent supplies the token
// history used for the repetition penalty (most recent last); it may be
// nil. Sample mutates logits in place when applying the repetition
// penalty.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	if s.cfg.Greedy {
		return argmax(logits)
	}

	if s.cfg.RepetitionPenalty > 1 && len(recent) > 0 {
		s.applyRepetitionPenalty(logits, recent)
	}

	if s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1 {
		return argmax(logits)
	}

	invTemp := float32(1) / s.cfg.Temperature
	k := min(s.cfg.TopK, len(logits))

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	for _, v := range topVal[1:] {
		if v > maxv {
			maxv = v
		}
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i, v := range topVal {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	invSum := 1 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// applyRepetitionPenalty divides positive logits by, and multiplies
// negative logits by, the configured penalty for every token id seen in
// recent. Uses an epoch-tagged scratch buffer so repeated calls don't
// reallocate.
func (s *Sampler) applyRepetitionPenalty(logits []float32, recent []int) {
	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		for i := range s.seenMark {
			s.seenMark[i] = 0
		}
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]

	for _, id := range recent {
		if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}
	for _, id := range s.seenList {
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepetitionPenalty
		} else {
			logits[id] *= s.cfg.RepetitionPenalty
		}
	}
}

// argmax returns the index of the maximum value in x. Panics on an empty
// slice, mirroring slice-indexing semantics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("logits: argmax of empty slice")
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// topK returns the indices and values of the k largest elements of logits
// scaled by invTemp, ordered largest to smallest. O(len(logits)*k),
// suitable for the small k values sampling actually uses.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	if len(topIdx) == 0 {
		return []int{0}, []float32{0}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
