package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/cortexstream/cortexstream/internal/request"
)

const defaultMaxTokens = 64

func (s *Server) handleListModels(c *echo.Context) error {
	now := s.clock().Unix()
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []ModelInfo{{
			ID:      s.modelID,
			Object:  "model",
			Created: now,
			OwnedBy: "local",
		}},
	})
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "invalid request body: "+err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}

	prompt, err := messagesToPrompt(req.Messages)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	vm := NewVocabMap(s.backend.VocabSize())
	promptTokens := vm.Encode(prompt)

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	completionID := "chatcmpl-" + uuid.NewString()
	r := request.New(completionID, promptTokens, maxTokens)

	if err := r.SetSamplingParams(samplingParamsFromRequest(req)); err != nil {
		return writeBadRequest(c, err.Error())
	}
	if stopWords := stopWordsFromField(req.Stop); len(stopWords) > 0 {
		stopTokens := make([]int, 0, len(stopWords))
		for _, w := range stopWords {
			stopTokens = append(stopTokens, vm.Encode(w)...)
		}
		r.SetStopTokens(stopTokens)
	}

	model := req.Model
	if model == "" {
		model = s.modelID
	}
	created := s.clock().Unix()
	isStream := req.Stream != nil && *req.Stream

	if isStream {
		return s.handleChatCompletionsStream(c, r, vm, completionID, created, model)
	}
	return s.handleChatCompletionsSync(c, r, vm, completionID, created, model)
}

func samplingParamsFromRequest(req ChatCompletionRequest) request.SamplingParams {
	p := request.SamplingParams{
		Temperature:       1,
		TopK:              1,
		TopP:              1,
		RepetitionPenalty: 1,
	}
	if req.Temperature != nil {
		p.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		p.TopP = float32(*req.TopP)
	}
	if req.Seed != nil {
		p.Seed = *req.Seed
	}
	p.Greedy = p.Temperature == 0
	return p
}

func stopWordsFromField(stop any) []string {
	switch v := stop.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// awaitTerminal blocks until r reaches a terminal state, calling onToken
// for every non-terminal callback invocation along the way. It cancels r
// if ctx is done first.
func awaitTerminal(ctx context.Context, r *request.Request, onToken func(token int)) {
	done := make(chan struct{})
	var once sync.Once
	r.SetTokenCallback(func(token int, finished bool) {
		if finished {
			once.Do(func() { close(done) })
			return
		}
		onToken(token)
	})

	select {
	case <-done:
		return
	case <-ctx.Done():
		r.Cancel()
		<-done
	}
}

func finishReasonFor(r *request.Request) string {
	switch {
	case r.State() == request.Failed:
		return "stop"
	case strings.Contains(r.StopReason(), "limit"):
		return "length"
	default:
		return "stop"
	}
}

func (s *Server) submit(r *request.Request) error {
	if err := s.sch.Submit(r); err != nil {
		s.log.Warn("rejected submission", "id", r.ID(), "err", err)
		return fmt.Errorf("submit request: %w", err)
	}
	return nil
}

func (s *Server) handleChatCompletionsSync(c *echo.Context, r *request.Request, vm *VocabMap, id string, created int64, model string) error {
	if err := s.submit(r); err != nil {
		return writeError(c, http.StatusTooManyRequests, "server_error", err.Error(), "", "")
	}

	var generated []int
	var mu sync.Mutex
	awaitTerminal(c.Request().Context(), r, func(tok int) {
		mu.Lock()
		generated = append(generated, tok)
		mu.Unlock()
	})

	if r.State() == request.Failed {
		s.log.Error("generation failed", "id", id, "err", r.ErrorMessage())
		return writeError(c, http.StatusInternalServerError, "server_error", r.ErrorMessage(), "", "")
	}

	text := vm.Decode(generated)
	finish := finishReasonFor(r)
	resp := ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      &ChatMessage{Role: "assistant", Content: text},
			FinishReason: &finish,
		}},
		Usage: ChatUsage{
			PromptTokens:     len(r.PromptTokens()),
			CompletionTokens: len(generated),
			TotalTokens:      len(r.PromptTokens()) + len(generated),
		},
	}
	s.store.Put(resp)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatCompletionsStream(c *echo.Context, r *request.Request, vm *VocabMap, id string, created int64, model string) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	if err := s.submit(r); err != nil {
		return writeError(c, http.StatusTooManyRequests, "server_error", err.Error(), "", "")
	}

	initial := ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []ChatChoice{{Index: 0, Delta: &ChatMessage{Role: "assistant"}}},
	}
	if err := sendSSEChunk(res, initial); err != nil {
		return err
	}
	flusher.Flush()

	var generated []int
	var mu sync.Mutex
	awaitTerminal(c.Request().Context(), r, func(tok int) {
		mu.Lock()
		generated = append(generated, tok)
		mu.Unlock()
		delta := vm.Decode([]int{tok})
		chunk := ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []ChatChoice{{Index: 0, Delta: &ChatMessage{Content: delta + " "}}},
		}
		_ = sendSSEChunk(res, chunk)
		flusher.Flush()
	})

	if r.State() == request.Failed {
		s.log.Error("generation failed", "id", id, "err", r.ErrorMessage())
		_ = sendSSEChunk(res, map[string]any{"error": r.ErrorMessage()})
		flusher.Flush()
		return nil
	}

	finish := finishReasonFor(r)
	final := ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []ChatChoice{{Index: 0, Delta: &ChatMessage{}, FinishReason: &finish}},
	}
	_ = sendSSEChunk(res, final)
	_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
	flusher.Flush()

	s.store.Put(ChatCompletionResponse{
		ID: id, Object: "chat.completion", Created: created, Model: model,
		Choices: []ChatChoice{{Index: 0, Message: &ChatMessage{Role: "assistant", Content: vm.Decode(generated)}, FinishReason: &finish}},
		Usage: ChatUsage{
			PromptTokens:     len(r.PromptTokens()),
			CompletionTokens: len(generated),
			TotalTokens:      len(r.PromptTokens()) + len(generated),
		},
	})
	return nil
}

func sendSSEChunk(w io.Writer, v any) error {
	b, err := marshalJSON(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(b))
	return err
}
