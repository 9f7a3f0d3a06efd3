package scheduler

import (
	"errors"
	"testing"

	"github.com/cortexstream/cortexstream/internal/request"
)

func TestSubmitNilRequest(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 4})
	if err := s.Submit(nil); !errors.Is(err, ErrNilRequest) {
		t.Fatalf("expected ErrNilRequest, got %v", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 4, MaxPendingQueue: 1})
	if err := s.Submit(request.New("a", nil, 1)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := s.Submit(request.New("b", nil, 1)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestAcceptNewRequestsRespectsCapacity(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 2})
	for _, id := range []string{"a", "b", "c"} {
		s.Submit(request.New(id, nil, 1))
	}
	if got := s.AcceptNewRequests(); got != 2 {
		t.Fatalf("AcceptNewRequests: got %d want 2", got)
	}
	if s.PendingLen() != 1 {
		t.Fatalf("PendingLen: got %d want 1", s.PendingLen())
	}
	if s.ActiveLen() != 2 {
		t.Fatalf("ActiveLen: got %d want 2", s.ActiveLen())
	}
}

func TestAdmissionMonotonicity(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 5})
	for _, id := range []string{"a", "b", "c"} {
		s.Submit(request.New(id, nil, 1))
	}
	for s.PendingLen() > 0 {
		before := s.PendingLen()
		s.AcceptNewRequests()
		after := s.PendingLen()
		if after >= before {
			t.Fatalf("AcceptNewRequests did not strictly decrease pending: before=%d after=%d", before, after)
		}
	}
}

func TestBuildPrefillBatchOrdering(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 3})

	a := request.New("A", []int{1, 2}, 3)
	b := request.New("B", []int{1, 2, 3, 4, 5}, 3)
	c := request.New("C", []int{1}, 3)
	for _, r := range []*request.Request{a, b, c} {
		s.Submit(r)
	}
	if got := s.AcceptNewRequests(); got != 3 {
		t.Fatalf("AcceptNewRequests: got %d want 3", got)
	}

	batch := s.BuildPrefillBatch()
	if !batch.IsPrefill {
		t.Fatalf("expected IsPrefill=true")
	}
	if len(batch.Requests) != 3 {
		t.Fatalf("batch length: got %d want 3", len(batch.Requests))
	}
	order := []string{batch.Requests[0].ID(), batch.Requests[1].ID(), batch.Requests[2].ID()}
	want := []string{"C", "A", "B"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("prefill batch order: got %v want %v", order, want)
		}
	}
}

func TestBuildDecodeBatchOrdering(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 4})

	reqs := make([]*request.Request, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		reqs[i] = request.New(id, []int{1}, 200)
		s.Submit(reqs[i])
	}
	s.AcceptNewRequests()
	for _, r := range reqs {
		s.MarkRequestReady(r.ID())
	}

	// Give "b" and "d" a head start so they sort after "a" and "c".
	reqs[1].AddGeneratedToken(1)
	reqs[3].AddGeneratedToken(1)
	reqs[3].AddGeneratedToken(2)

	batch := s.BuildDecodeBatch()
	if batch.IsPrefill {
		t.Fatalf("expected IsPrefill=false")
	}
	order := make([]string, len(batch.Requests))
	for i, r := range batch.Requests {
		order[i] = r.ID()
	}
	want := []string{"a", "c", "b", "d"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("decode batch order: got %v want %v", order, want)
		}
	}
}

func TestMarkRequestReadyUnknownID(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 2})
	if err := s.MarkRequestReady("ghost"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestMarkRequestFinishedMovesToFinishedRing(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 2})
	r := request.New("a", []int{1}, 5)
	s.Submit(r)
	s.AcceptNewRequests()
	s.MarkRequestReady("a")

	if err := s.MarkRequestFinished("a", "stopped-by-limit"); err != nil {
		t.Fatalf("MarkRequestFinished: %v", err)
	}
	if s.ActiveLen() != 0 {
		t.Fatalf("ActiveLen: got %d want 0", s.ActiveLen())
	}
	got, ok := s.FinishedRequest("a")
	if !ok || got.State() != request.Finished {
		t.Fatalf("FinishedRequest: got %v,%v", got, ok)
	}
}

func TestMarkRequestFailedRemovesFromActive(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 2})
	r := request.New("a", []int{1}, 5)
	s.Submit(r)
	s.AcceptNewRequests()

	wantErr := errors.New("boom")
	if err := s.MarkRequestFailed("a", wantErr); err != nil {
		t.Fatalf("MarkRequestFailed: %v", err)
	}
	if s.ActiveLen() != 0 {
		t.Fatalf("ActiveLen: got %d want 0", s.ActiveLen())
	}
	got, ok := s.FinishedRequest("a")
	if !ok || got.State() != request.Failed || got.ErrorMessage() != "boom" {
		t.Fatalf("FinishedRequest: got %v,%v", got, ok)
	}
}

func TestFinishedRingEvictsOldest(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 10, FinishedRingSize: 2})
	for _, id := range []string{"a", "b", "c"} {
		r := request.New(id, []int{1}, 1)
		s.Submit(r)
	}
	s.AcceptNewRequests()
	s.MarkRequestFinished("a", "stopped-by-limit")
	s.MarkRequestFinished("b", "stopped-by-limit")
	s.MarkRequestFinished("c", "stopped-by-limit")

	if _, ok := s.FinishedRequest("a"); ok {
		t.Fatalf("expected oldest entry 'a' to have been evicted")
	}
	if _, ok := s.FinishedRequest("b"); !ok {
		t.Fatalf("expected 'b' to still be retained")
	}
	if _, ok := s.FinishedRequest("c"); !ok {
		t.Fatalf("expected 'c' to still be retained")
	}
}

func TestHasWork(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 2})
	if s.HasWork() {
		t.Fatalf("expected no work initially")
	}
	s.Submit(request.New("a", nil, 1))
	if !s.HasWork() {
		t.Fatalf("expected work once a request is pending")
	}
}

func TestFairOrderingAtDecodeAcrossManyTicks(t *testing.T) {
	t.Parallel()
	s := New(Options{MaxBatchSize: 4})
	reqs := make([]*request.Request, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		reqs[i] = request.New(id, []int{1}, 200)
		s.Submit(reqs[i])
	}
	s.AcceptNewRequests()
	for _, r := range reqs {
		s.MarkRequestReady(r.ID())
	}

	for tick := 0; tick < 1000; tick++ {
		batch := s.BuildDecodeBatch()
		for i := 1; i < len(batch.Requests); i++ {
			prevLen := len(batch.Requests[i-1].GeneratedTokens())
			curLen := len(batch.Requests[i].GeneratedTokens())
			if curLen < prevLen {
				t.Fatalf("tick %d: decode batch not sorted by generated length ascending", tick)
			}
			if curLen == prevLen && batch.Requests[i].ArrivalTime() < batch.Requests[i-1].ArrivalTime() {
				t.Fatalf("tick %d: stable tie-break by arrival violated", tick)
			}
		}
		// Advance one arbitrary request each tick to perturb ordering.
		target := reqs[tick%len(reqs)]
		if target.State() == request.Decoding && len(target.GeneratedTokens()) < target.MaxTokens() {
			target.AddGeneratedToken(tick)
		}
	}
}
