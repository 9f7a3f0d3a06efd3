// Package engine runs the single-threaded tick loop that couples the
// scheduler and KV cache to a model backend: admit, prefill, decode,
// sample, retire. Everything else in this repository is built to be
// driven by this loop or to observe it from the outside.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexstream/cortexstream/internal/backend"
	"github.com/cortexstream/cortexstream/internal/kvcache"
	"github.com/cortexstream/cortexstream/internal/logger"
	"github.com/cortexstream/cortexstream/internal/logits"
	"github.com/cortexstream/cortexstream/internal/request"
	"github.com/cortexstream/cortexstream/internal/scheduler"
)

// Sentinel errors wrapped into a failed request's error message. They are
// this package's own taxonomy (§7), distinct from (but wrapping) the
// lower-level errors that trigger them.
var (
	ErrOutOfKVBlocks       = errors.New("engine: out of kv blocks")
	ErrKVCapacityExhausted = errors.New("engine: kv capacity exhausted")
	ErrBackendFailure      = errors.New("engine: backend failure")
	ErrSamplingFailure     = errors.New("engine: sampling failure")
	ErrCancelled           = errors.New("engine: cancelled")
	ErrDuplicateID         = errors.New("engine: duplicate request id")
)

const defaultIdleSleep = 10 * time.Millisecond

// Stats is a point-in-time snapshot of the engine's monotonic counters.
type Stats struct {
	TokensProcessed   int64
	RequestsCompleted int64
	RequestsFailed    int64
	AverageBatchSize  float64
	TotalLatency      time.Duration
}

// Options configures an Engine. Zero values fall back to documented
// defaults.
type Options struct {
	IdleSleep        time.Duration
	StrictInvariants bool
	Logger           logger.Logger
	Metrics          *Metrics
}

// Engine orchestrates prefill->allocate->promote->decode->sample->emit->
// retire across a single goroutine. Its own public methods (Pause,
// Resume, Shutdown, GetStats, GetActiveRequests) are safe to call from
// any goroutine; the tick loop itself never runs concurrently with
// another tick.
type Engine struct {
	backend   backend.Backend
	kv        *kvcache.Cache
	scheduler *scheduler.Scheduler
	log       logger.Logger
	metrics   *Metrics

	idleSleep        time.Duration
	strictInvariants bool

	mu     sync.Mutex
	paused bool

	shutdownFlag atomic.Bool
	warmedUp     atomic.Bool

	statsMu           sync.Mutex
	tokensProcessed   int64
	requestsCompleted int64
	requestsFailed    int64
	batchCount        int64
	batchSizeSum      int64
	totalLatency      time.Duration

	// retiring accumulates ids that became terminal during this tick's
	// processPrefill/processDecode; cleanup() frees their KV blocks.
	// Touched only by the engine goroutine — no lock needed.
	retiring []string
}

// New constructs an Engine driving be, backed by kv and sch. be must
// already be loaded; kv must already be bound to be via
// backend.BindKVCache before the first tick.
func New(be backend.Backend, kv *kvcache.Cache, sch *scheduler.Scheduler, opts Options) *Engine {
	idle := opts.IdleSleep
	if idle <= 0 {
		idle = defaultIdleSleep
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = logger.WithComponent(log, "engine")
	return &Engine{
		backend:          be,
		kv:               kv,
		scheduler:        sch,
		log:              log,
		metrics:          opts.Metrics,
		idleSleep:        idle,
		strictInvariants: opts.StrictInvariants,
	}
}

// Warmup runs the backend's dummy forward pass and marks the engine ready
// for readiness probes.
func (e *Engine) Warmup(ctx context.Context) error {
	if err := e.backend.Warmup(ctx); err != nil {
		return fmt.Errorf("engine: warmup: %w", err)
	}
	e.warmedUp.Store(true)
	return nil
}

// IsWarmedUp reports whether Warmup has completed successfully.
func (e *Engine) IsWarmedUp() bool { return e.warmedUp.Load() }

// Pause prevents further ticks until Resume is called. A tick already in
// progress runs to completion.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume undoes Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Shutdown stops Run/RunForever no later than the start of their next
// loop iteration.
func (e *Engine) Shutdown() {
	e.shutdownFlag.Store(true)
}

// GetStats returns a snapshot of the engine's counters.
func (e *Engine) GetStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	var avg float64
	if e.batchCount > 0 {
		avg = float64(e.batchSizeSum) / float64(e.batchCount)
	}
	return Stats{
		TokensProcessed:   e.tokensProcessed,
		RequestsCompleted: e.requestsCompleted,
		RequestsFailed:    e.requestsFailed,
		AverageBatchSize:  avg,
		TotalLatency:      e.totalLatency,
	}
}

// GetActiveRequests returns the scheduler's current active set.
func (e *Engine) GetActiveRequests() []*request.Request {
	return e.scheduler.ActiveRequests()
}

// Run ticks until the scheduler reports no work and the engine is not
// paused, or ctx is cancelled, or Shutdown is called — whichever comes
// first.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if e.shutdownFlag.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if e.isPaused() {
			if !e.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		e.tick(ctx)
		if !e.scheduler.HasWork() {
			return nil
		}
	}
}

// RunForever ticks indefinitely, sleeping idleSleep between ticks whenever
// there is no work, until ctx is cancelled or Shutdown is called. Intended
// for embedding inside a long-lived server process.
func (e *Engine) RunForever(ctx context.Context) error {
	for {
		if e.shutdownFlag.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if e.isPaused() {
			if !e.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		e.tick(ctx)
		if !e.scheduler.HasWork() {
			if !e.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (e *Engine) sleep(ctx context.Context) bool {
	t := time.NewTimer(e.idleSleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// tick runs one full admit -> prefill -> decode -> cleanup -> validate
// cycle.
func (e *Engine) tick(ctx context.Context) {
	start := time.Now()

	e.scheduler.AcceptNewRequests()

	prefillBatch := e.scheduler.BuildPrefillBatch()
	if prefillBatch.Len() > 0 {
		e.recordBatch(prefillBatch.Len())
		e.processPrefill(ctx, prefillBatch)
	}

	decodeBatch := e.scheduler.BuildDecodeBatch()
	if decodeBatch.Len() > 0 {
		e.recordBatch(decodeBatch.Len())
		e.processDecode(ctx, decodeBatch)
	}

	e.cleanup()
	e.validateMemoryState()

	if e.metrics != nil {
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
		e.metrics.ActiveRequests.Set(float64(e.scheduler.ActiveLen()))
	}
}

// processPrefill allocates KV for every row in batch before invoking the
// backend, then promotes each successfully-allocated row to Decoding. A
// row whose allocation fails is marked Failed and excluded from the
// backend call entirely — this intentionally reorders the literal
// prefill-then-allocate sequence so the backend's BindKVCache contract
// (writing into a row's views during Prefill) always has a live entry to
// write into.
func (e *Engine) processPrefill(ctx context.Context, batch scheduler.Batch) {
	reqs := batch.Requests

	var tokens []int
	offsets := make([]int, 1, len(reqs)+1)
	var ids []string
	var admitted []*request.Request

	for _, req := range reqs {
		prompt := req.PromptTokens()
		ok, err := e.kv.AllocateFor(req.ID(), len(prompt))
		if !ok {
			wrapped := ErrOutOfKVBlocks
			if errors.Is(err, kvcache.ErrDuplicateID) {
				wrapped = ErrDuplicateID
			}
			e.failRequest(req, fmt.Errorf("%w: %v", wrapped, err))
			continue
		}
		tokens = append(tokens, prompt...)
		offsets = append(offsets, len(tokens))
		ids = append(ids, req.ID())
		admitted = append(admitted, req)
	}

	if len(admitted) == 0 {
		return
	}

	// The first generated token is sampled on the request's first decode
	// tick, not here (§9.1) — Prefill's returned logits are discarded; the
	// call still matters because the backend writes this row's KV
	// positions as a side effect.
	if _, err := e.backend.Prefill(ctx, len(admitted), tokens, offsets, ids); err != nil {
		for _, req := range admitted {
			e.failRequest(req, fmt.Errorf("%w: %v", ErrBackendFailure, err))
		}
		return
	}

	for _, req := range admitted {
		if err := e.scheduler.MarkRequestReady(req.ID()); err != nil {
			e.log.Error("mark ready failed", "id", req.ID(), "err", err)
		}
	}
}

// processDecode advances every row in batch by one token, samples, checks
// stopping conditions in priority order, and either retires or advances
// the KV cursor for each row.
func (e *Engine) processDecode(ctx context.Context, batch scheduler.Batch) {
	reqs := batch.Requests

	lastTokens := make([]int, len(reqs))
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID()
		if t, ok := req.LastGeneratedToken(); ok {
			lastTokens[i] = t
		} else {
			lastTokens[i] = request.NoLastToken
		}
	}

	logitsOut, err := e.backend.Decode(ctx, len(reqs), lastTokens, ids)
	if err != nil {
		for _, req := range reqs {
			e.failRequest(req, fmt.Errorf("%w: %v", ErrBackendFailure, err))
		}
		return
	}

	vocab := e.backend.VocabSize()
	for i, req := range reqs {
		row := logitsOut[i*vocab : (i+1)*vocab]

		tok, err := e.backend.SampleToken(row, logits.SamplingParams(req.SamplingParams()))
		if err != nil {
			e.failRequest(req, fmt.Errorf("%w: %v", ErrSamplingFailure, err))
			continue
		}

		if !e.kv.WouldAccept(req.ID()) {
			e.failRequest(req, ErrKVCapacityExhausted)
			continue
		}

		req.AddGeneratedToken(tok)
		e.incTokensProcessed()

		switch {
		case req.Cancelled():
			e.finishRequest(req, "stopped-by-cancel")
		case req.IsStopToken(tok):
			e.finishRequest(req, "stopped-by-stop-token")
		case len(req.GeneratedTokens()) >= req.MaxTokens():
			e.finishRequest(req, "stopped-by-limit")
		default:
			if !e.kv.AppendToken(req.ID()) {
				// Defensive only (§9.3): WouldAccept just said yes under
				// the same mutex-protected state, so this path is not
				// reachable today.
				e.failRequest(req, ErrKVCapacityExhausted)
			}
		}
	}
}

// cleanup frees the KV blocks of every request that became terminal this
// tick.
func (e *Engine) cleanup() {
	if len(e.retiring) == 0 {
		return
	}
	for _, id := range e.retiring {
		e.kv.FreeFor(id)
	}
	e.retiring = e.retiring[:0]
}

// validateMemoryState asserts the block-accounting invariant from §8 and
// logs when the cache is full. It panics only when StrictInvariants is
// set, for test builds that want a hard failure instead of a log line.
func (e *Engine) validateMemoryState() {
	used := e.kv.UsedBlocks()
	free := e.kv.FreeBlocks()
	total := e.kv.TotalBlocks()
	if used+free != total {
		e.log.Error("kv block accounting violated", "used", used, "free", free, "total", total)
		if e.strictInvariants {
			panic(fmt.Sprintf("engine: kv block accounting violated: used=%d free=%d total=%d", used, free, total))
		}
		return
	}
	if free == 0 {
		e.log.Info("kv cache full", "usedBlocks", used, "totalBlocks", total)
	}
}

func (e *Engine) queueRetire(id string) {
	e.retiring = append(e.retiring, id)
}

func (e *Engine) failRequest(req *request.Request, err error) {
	e.queueRetire(req.ID())
	e.log.Error("request failed", "id", req.ID(), "err", err)
	if uErr := e.scheduler.MarkRequestFailed(req.ID(), err); uErr != nil {
		e.log.Error("mark failed on unknown request", "id", req.ID(), "err", uErr)
	}
	e.addLatency(req)
	e.incFailed()
}

func (e *Engine) finishRequest(req *request.Request, stopReason string) {
	e.queueRetire(req.ID())
	if uErr := e.scheduler.MarkRequestFinished(req.ID(), stopReason); uErr != nil {
		e.log.Error("mark finished on unknown request", "id", req.ID(), "err", uErr)
	}
	e.addLatency(req)
	e.incCompleted()
}

func (e *Engine) addLatency(req *request.Request) {
	d := time.Duration(time.Now().UnixNano() - req.ArrivalTime())
	e.statsMu.Lock()
	e.totalLatency += d
	e.statsMu.Unlock()
}

func (e *Engine) incTokensProcessed() {
	e.statsMu.Lock()
	e.tokensProcessed++
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.TokensProcessed.Inc()
	}
}

func (e *Engine) incCompleted() {
	e.statsMu.Lock()
	e.requestsCompleted++
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.RequestsCompleted.Inc()
	}
}

func (e *Engine) incFailed() {
	e.statsMu.Lock()
	e.requestsFailed++
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.RequestsFailed.Inc()
	}
}

func (e *Engine) recordBatch(n int) {
	e.statsMu.Lock()
	e.batchCount++
	e.batchSizeSum += int64(n)
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.BatchSize.Observe(float64(n))
	}
}
