package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/cortexstream/cortexstream/internal/backend"
	"github.com/cortexstream/cortexstream/internal/engine"
	"github.com/cortexstream/cortexstream/internal/kvcache"
	"github.com/cortexstream/cortexstream/internal/scheduler"
)

type testRig struct {
	echo   *echo.Echo
	server *Server
	cancel context.CancelFunc
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	cfg := backend.Config{Vocab: 256, NumLayers: 1, NumHeads: 1, HeadDim: 4, BlockSize: 8}
	stub := backend.NewStub(cfg)
	if _, err := stub.LoadModel(""); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	kv, err := kvcache.New(kvcache.Config{NumLayers: 1, TotalBlocks: 64, NumHeads: 1, BlockSize: 8, HeadDim: 4})
	if err != nil {
		t.Fatalf("kvcache.New: %v", err)
	}
	stub.BindKVCache(kv)

	sch := scheduler.New(scheduler.Options{MaxBatchSize: 8})
	eng := engine.New(stub, kv, sch, engine.Options{IdleSleep: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eng.RunForever(ctx) }()
	t.Cleanup(cancel)

	srv := NewServer(eng, sch, stub, "cortexstream-reference", 0, nil)
	e := echo.New()
	srv.Register(e)

	return &testRig{echo: e, server: srv, cancel: cancel}
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}
