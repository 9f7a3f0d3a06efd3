// Package scheduler owns admission control, the active-request set, and
// prefill/decode batch construction for the engine loop. It never touches
// the KV cache or the model backend directly.
package scheduler

import (
	"errors"
	"sort"
	"sync"

	"github.com/cortexstream/cortexstream/internal/request"
)

var (
	// ErrNilRequest is returned by Submit for a nil request handle.
	ErrNilRequest = errors.New("scheduler: nil request")
	// ErrQueueFull is returned by Submit when maxPendingQueue > 0 and the
	// pending queue is already at capacity.
	ErrQueueFull = errors.New("scheduler: pending queue full")
	// ErrUnknownRequest is returned by the MarkRequestX methods for an id
	// not present in the active set.
	ErrUnknownRequest = errors.New("scheduler: unknown request id")
)

// defaultFinishedRingSize bounds scheduler.finishedRequests so a
// long-running server can't leak memory if nothing ever polls it.
const defaultFinishedRingSize = 1024

// Batch is an ephemeral, by-value snapshot of the requests selected for one
// processing stage.
type Batch struct {
	Requests        []*request.Request
	SequenceLengths []int
	IsPrefill       bool
}

// Len returns the number of requests in the batch.
func (b Batch) Len() int { return len(b.Requests) }

// Options configures a Scheduler. Zero values fall back to the documented
// defaults.
type Options struct {
	MaxBatchSize      int
	MaxPendingQueue   int // 0 = unbounded
	FinishedRingSize  int // 0 = defaultFinishedRingSize
}

// Scheduler serializes admission, active-set bookkeeping, and batch
// construction behind a single mutex, guarded internally.
type Scheduler struct {
	maxBatchSize    int
	maxPendingQueue int

	mu sync.Mutex

	pending []*request.Request
	active  map[string]*request.Request

	finishedRing []*request.Request
	finishedIdx  map[string]int
	finishedHead int
	finishedCap  int
}

// New constructs a Scheduler. maxBatchSize must be >= 1; it is clamped to 1
// otherwise.
func New(opts Options) *Scheduler {
	maxBatch := opts.MaxBatchSize
	if maxBatch < 1 {
		maxBatch = 1
	}
	ringSize := opts.FinishedRingSize
	if ringSize <= 0 {
		ringSize = defaultFinishedRingSize
	}
	return &Scheduler{
		maxBatchSize:    maxBatch,
		maxPendingQueue: opts.MaxPendingQueue,
		active:          make(map[string]*request.Request),
		finishedRing:    make([]*request.Request, 0, ringSize),
		finishedIdx:     make(map[string]int),
		finishedCap:     ringSize,
	}
}

// Submit pushes req onto the back of the pending queue.
func (s *Scheduler) Submit(req *request.Request) error {
	if req == nil {
		return ErrNilRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxPendingQueue > 0 && len(s.pending) >= s.maxPendingQueue {
		return ErrQueueFull
	}
	s.pending = append(s.pending, req)
	return nil
}

// AcceptNewRequests admits pending requests into the active set while
// capacity allows, transitioning each to Prefilling. Returns the number
// admitted.
func (s *Scheduler) AcceptNewRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	admitted := 0
	for len(s.active) < s.maxBatchSize && len(s.pending) > 0 {
		req := s.pending[0]
		s.pending = s.pending[1:]
		req.MarkPrefilling()
		s.active[req.ID()] = req
		admitted++
	}
	return admitted
}

// BuildPrefillBatch selects up to maxBatchSize active requests in state
// Prefilling, ordered by ascending prompt length with a stable tie-break
// by arrival time.
func (s *Scheduler) BuildPrefillBatch() Batch {
	return s.buildBatch(request.Prefilling, true, func(r *request.Request) int {
		return len(r.PromptTokens())
	})
}

// BuildDecodeBatch selects up to maxBatchSize active requests in state
// Decoding, ordered by ascending generated length (newer first) with a
// stable tie-break by arrival time.
func (s *Scheduler) BuildDecodeBatch() Batch {
	return s.buildBatch(request.Decoding, false, func(r *request.Request) int {
		return len(r.GeneratedTokens())
	})
}

func (s *Scheduler) buildBatch(want request.State, isPrefill bool, key func(*request.Request) int) Batch {
	s.mu.Lock()
	var selected []*request.Request
	for _, req := range s.active {
		if req.State() == want {
			selected = append(selected, req)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(selected, func(i, j int) bool {
		ki, kj := key(selected[i]), key(selected[j])
		if ki != kj {
			return ki < kj
		}
		return selected[i].ArrivalTime() < selected[j].ArrivalTime()
	})

	if len(selected) > s.maxBatchSize {
		selected = selected[:s.maxBatchSize]
	}

	lengths := make([]int, len(selected))
	for i, req := range selected {
		if isPrefill {
			lengths[i] = len(req.PromptTokens())
		} else {
			lengths[i] = len(req.GeneratedTokens())
		}
	}
	return Batch{Requests: selected, SequenceLengths: lengths, IsPrefill: isPrefill}
}

// MarkRequestReady transitions id from Prefilling to Decoding.
func (s *Scheduler) MarkRequestReady(id string) error {
	s.mu.Lock()
	req, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	req.MarkDecoding()
	return nil
}

// MarkRequestFinished transitions id to Finished with stopReason, removes
// it from the active set, and files it into the finished retention ring.
func (s *Scheduler) MarkRequestFinished(id, stopReason string) error {
	s.mu.Lock()
	req, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	req.MarkFinished(stopReason)
	s.fileFinished(req)
	return nil
}

// MarkRequestFailed transitions id to Failed with err, removes it from the
// active set, and files it into the finished retention ring.
func (s *Scheduler) MarkRequestFailed(id string, err error) error {
	s.mu.Lock()
	req, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	req.MarkFailed(err)
	s.fileFinished(req)
	return nil
}

// fileFinished inserts req into the bounded retention ring, evicting the
// oldest entry if full.
func (s *Scheduler) fileFinished(req *request.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.finishedRing) < s.finishedCap {
		s.finishedRing = append(s.finishedRing, req)
		s.finishedIdx[req.ID()] = len(s.finishedRing) - 1
		return
	}
	evicted := s.finishedRing[s.finishedHead]
	delete(s.finishedIdx, evicted.ID())
	s.finishedRing[s.finishedHead] = req
	s.finishedIdx[req.ID()] = s.finishedHead
	s.finishedHead = (s.finishedHead + 1) % s.finishedCap
}

// FinishedRequest returns a retained terminal request by id, if still in
// the retention ring.
func (s *Scheduler) FinishedRequest(id string) (*request.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.finishedIdx[id]
	if !ok {
		return nil, false
	}
	return s.finishedRing[idx], true
}

// HasWork reports whether there is any pending or active request.
func (s *Scheduler) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 || len(s.active) > 0
}

// ActiveRequests returns a snapshot slice of all currently active requests.
func (s *Scheduler) ActiveRequests() []*request.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*request.Request, 0, len(s.active))
	for _, req := range s.active {
		out = append(out, req)
	}
	return out
}

// PendingLen returns the number of requests awaiting admission.
func (s *Scheduler) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ActiveLen returns the number of admitted, not-yet-terminal requests.
func (s *Scheduler) ActiveLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
