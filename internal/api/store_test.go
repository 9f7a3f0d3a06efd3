package api

import "testing"

func TestResponseStoreRoundTrip(t *testing.T) {
	s := NewResponseStore(2)
	s.Put(ChatCompletionResponse{ID: "a"})
	if _, ok := s.Get("a"); !ok {
		t.Fatalf("expected a to be stored")
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatalf("expected missing id to be absent")
	}
}

func TestResponseStoreEvictsOldestWhenFull(t *testing.T) {
	s := NewResponseStore(2)
	s.Put(ChatCompletionResponse{ID: "a"})
	s.Put(ChatCompletionResponse{ID: "b"})
	s.Put(ChatCompletionResponse{ID: "c"})

	if _, ok := s.Get("a"); ok {
		t.Fatalf("expected a to have been evicted")
	}
	if _, ok := s.Get("b"); !ok {
		t.Fatalf("expected b to still be present")
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatalf("expected c to still be present")
	}
}
