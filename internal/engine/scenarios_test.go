package engine

import (
	"context"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cortexstream/cortexstream/internal/backend"
	"github.com/cortexstream/cortexstream/internal/kvcache"
	"github.com/cortexstream/cortexstream/internal/request"
	"github.com/cortexstream/cortexstream/internal/scheduler"
)

func newStubRig(vocab, numLayers, numHeads, headDim, blockSize, totalBlocks, maxBatchSize int) (*Engine, *scheduler.Scheduler, *kvcache.Cache, *backend.Stub) {
	cfg := backend.Config{Vocab: vocab, NumLayers: numLayers, NumHeads: numHeads, HeadDim: headDim, BlockSize: blockSize}
	stub := backend.NewStub(cfg)
	stub.LoadModel("")

	kv, err := kvcache.New(kvcache.Config{
		NumLayers:   numLayers,
		TotalBlocks: totalBlocks,
		NumHeads:    numHeads,
		BlockSize:   blockSize,
		HeadDim:     headDim,
	})
	Expect(err).NotTo(HaveOccurred())
	stub.BindKVCache(kv)

	sch := scheduler.New(scheduler.Options{MaxBatchSize: maxBatchSize})
	eng := New(stub, kv, sch, Options{})
	return eng, sch, kv, stub
}

// callbackRecorder counts the token callback invocations a request
// receives over its lifetime.
type callbackRecorder struct {
	mu       sync.Mutex
	tokens   []int
	finishes int
}

func (c *callbackRecorder) fn() request.TokenCallback {
	return func(token int, finished bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if finished {
			c.finishes++
			return
		}
		c.tokens = append(c.tokens, token)
	}
}

func (c *callbackRecorder) tokenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

func (c *callbackRecorder) finishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishes
}

var _ = Describe("End-to-end scenarios", func() {
	ctx := context.Background()

	It("scenario 1: single request, greedy, max=4", func() {
		eng, sch, _, _ := newStubRig(8, 1, 1, 4, 8, 4, 1)

		rec := &callbackRecorder{}
		r := request.New("r1", []int{7, 8, 9}, 4)
		Expect(r.SetSamplingParams(request.SamplingParams{Greedy: true, Temperature: 1, TopK: 1, TopP: 1, RepetitionPenalty: 1})).To(Succeed())
		r.SetTokenCallback(rec.fn())
		Expect(sch.Submit(r)).To(Succeed())

		Expect(eng.Run(ctx)).To(Succeed())

		Expect(r.State()).To(Equal(request.Finished))
		Expect(r.GeneratedTokens()).To(HaveLen(4))
		Expect(rec.tokenCount()).To(Equal(4))
		Expect(rec.finishCount()).To(Equal(1))
	})

	It("scenario 2: three interleaved requests admit together, shortest prompt first", func() {
		eng, sch, _, _ := newStubRig(8, 1, 1, 4, 8, 3, 3)

		a := request.New("A", []int{1, 2}, 3)
		b := request.New("B", []int{1, 2, 3, 4, 5}, 3)
		c := request.New("C", []int{1}, 3)
		Expect(sch.Submit(a)).To(Succeed())
		Expect(sch.Submit(b)).To(Succeed())
		Expect(sch.Submit(c)).To(Succeed())

		Expect(sch.AcceptNewRequests()).To(Equal(3))
		prefill := sch.BuildPrefillBatch()
		Expect(prefill.Requests).To(HaveLen(3))
		Expect(prefill.Requests[0].ID()).To(Equal("C"))
		Expect(prefill.Requests[1].ID()).To(Equal("A"))
		Expect(prefill.Requests[2].ID()).To(Equal("B"))

		Expect(eng.Run(ctx)).To(Succeed())

		stats := eng.GetStats()
		Expect(stats.TokensProcessed).To(Equal(int64(9)))
		Expect(stats.RequestsCompleted).To(Equal(int64(3)))
	})

	It("scenario 3: OOM at prefill fails exactly one of two equally-sized requests", func() {
		eng, sch, _, _ := newStubRig(8, 1, 1, 4, 4, 2, 2) // totalBlocks*blockSize == 8

		r1 := request.New("req1", []int{1, 2, 3, 4, 5}, 1)
		r2 := request.New("req2", []int{1, 2, 3, 4, 5}, 1)
		Expect(sch.Submit(r1)).To(Succeed())
		Expect(sch.Submit(r2)).To(Succeed())

		Expect(eng.Run(ctx)).To(Succeed())

		stats := eng.GetStats()
		Expect(stats.RequestsFailed).To(Equal(int64(1)))

		failed, ok := sch.FinishedRequest("req2")
		Expect(ok).To(BeTrue())
		Expect(failed.State()).To(Equal(request.Failed))
		Expect(strings.Contains(failed.ErrorMessage(), "out of kv blocks")).To(BeTrue())

		succeeded, ok := sch.FinishedRequest("req1")
		Expect(ok).To(BeTrue())
		Expect(succeeded.State()).To(Equal(request.Finished))
	})

	It("scenario 4: cancellation mid-decode retires within one additional decode tick", func() {
		eng, sch, kv, _ := newStubRig(8, 1, 1, 4, 8, 4, 1)

		r := request.New("R", []int{1}, 100)
		Expect(sch.Submit(r)).To(Succeed())

		freeBefore := kv.FreeBlocks()

		eng.tick(ctx) // admits, prefills, and runs the first decode step
		Expect(r.GeneratedTokens()).To(HaveLen(1))

		r.Cancel()

		eng.tick(ctx) // the one additional decode tick the scenario names
		Expect(r.State()).To(Equal(request.Finished))
		Expect(r.StopReason()).To(Equal("stopped-by-cancel"))
		Expect(len(r.GeneratedTokens())).To(BeNumerically("<=", 2))

		eng.cleanup()
		Expect(kv.FreeBlocks()).To(Equal(freeBefore))
	})

	It("scenario 5: a stop token set after a fixed decode call finishes the request", func() {
		eng, sch, _, stub := newStubRig(64, 1, 1, 4, 8, 4, 1)
		stub.WithEmit(2, 42)

		r := request.New("R", []int{1}, 50)
		r.SetStopTokens([]int{42})
		Expect(sch.Submit(r)).To(Succeed())

		Expect(eng.Run(ctx)).To(Succeed())

		Expect(r.State()).To(Equal(request.Finished))
		Expect(r.StopReason()).To(Equal("stopped-by-stop-token"))
		gen := r.GeneratedTokens()
		Expect(gen).To(HaveLen(3))
		Expect(gen[len(gen)-1]).To(Equal(42))
	})

	It("scenario 6: decode batches stay ordered by generated length then arrival across many ticks", func() {
		eng, sch, _, _ := newStubRig(8, 1, 1, 4, 256, 4, 4)

		for _, id := range []string{"req0", "req1", "req2", "req3"} {
			r := request.New(id, []int{1, 2}, 200)
			Expect(sch.Submit(r)).To(Succeed())
		}

		for i := 0; i < 1000; i++ {
			eng.tick(ctx)
			batch := sch.BuildDecodeBatch()
			for j := 1; j < len(batch.Requests); j++ {
				prev, cur := batch.Requests[j-1], batch.Requests[j]
				prevLen, curLen := len(prev.GeneratedTokens()), len(cur.GeneratedTokens())
				if prevLen == curLen {
					Expect(prev.ArrivalTime()).To(BeNumerically("<=", cur.ArrivalTime()))
				} else {
					Expect(prevLen).To(BeNumerically("<", curLen))
				}
			}
		}
	})
})
