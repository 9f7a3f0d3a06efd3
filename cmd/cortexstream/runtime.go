package main

import (
	"fmt"

	"github.com/cortexstream/cortexstream/internal/backend"
	"github.com/cortexstream/cortexstream/internal/engine"
	"github.com/cortexstream/cortexstream/internal/kvcache"
	"github.com/cortexstream/cortexstream/internal/logger"
	"github.com/cortexstream/cortexstream/internal/scheduler"
)

// buildRuntime wires the reference backend, KV cache, scheduler, and
// engine from the resolved engine flags, the way serve and run both need
// to before they can accept requests.
func buildRuntime(f *engineFlags, log logger.Logger) (*engine.Engine, *scheduler.Scheduler, backend.Backend, error) {
	be := backend.NewReference(backend.Config{
		Vocab:     int(f.vocabSize),
		NumLayers: int(f.numLayers),
		NumHeads:  int(f.numHeads),
		HeadDim:   int(f.headDim),
		BlockSize: int(f.blockSize),
	})
	if _, err := be.LoadModel(""); err != nil {
		return nil, nil, nil, fmt.Errorf("load reference model: %w", err)
	}

	kv, err := kvcache.New(kvcache.Config{
		NumLayers:   int(f.numLayers),
		TotalBlocks: int(f.totalBlocks),
		NumHeads:    int(f.numHeads),
		BlockSize:   int(f.blockSize),
		HeadDim:     int(f.headDim),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("allocate kv cache: %w", err)
	}
	be.BindKVCache(kv)

	sch := scheduler.New(scheduler.Options{
		MaxBatchSize:    int(f.maxBatchSize),
		MaxPendingQueue: int(f.maxPendingQueue),
	})

	eng := engine.New(be, kv, sch, engine.Options{
		IdleSleep: f.idleSleep,
		Logger:    log,
	})

	return eng, sch, be, nil
}
