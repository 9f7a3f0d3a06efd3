package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/cortexstream/cortexstream/internal/config"
)

// engineFlags holds the CLI-settable engine/KV-cache/HTTP tunables shared
// by the serve and run subcommands.
type engineFlags struct {
	configPath string

	maxBatchSize    int
	blockSize       int
	totalBlocks     int
	numLayers       int
	numHeads        int
	headDim         int
	vocabSize       int
	idleSleep       time.Duration
	maxPendingQueue int

	addr              string
	readTimeout       time.Duration
	requestsPerSecond float64

	logLevel  string
	logFormat string
}

func (f *engineFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to config.yaml", Destination: &f.configPath},
		&cli.IntFlag{Name: "max-batch-size", Usage: "max requests admitted per tick", Destination: &f.maxBatchSize},
		&cli.IntFlag{Name: "block-size", Usage: "tokens per KV block", Destination: &f.blockSize},
		&cli.IntFlag{Name: "total-blocks", Usage: "total KV blocks in the arena", Destination: &f.totalBlocks},
		&cli.IntFlag{Name: "num-layers", Usage: "transformer layer count", Destination: &f.numLayers},
		&cli.IntFlag{Name: "num-heads", Usage: "attention head count", Destination: &f.numHeads},
		&cli.IntFlag{Name: "head-dim", Usage: "attention head dimension", Destination: &f.headDim},
		&cli.IntFlag{Name: "vocab-size", Usage: "reference backend vocabulary size", Destination: &f.vocabSize},
		&cli.DurationFlag{Name: "idle-sleep", Usage: "engine sleep when no work is pending", Destination: &f.idleSleep},
		&cli.IntFlag{Name: "max-pending-queue", Usage: "0 = unbounded pending queue", Destination: &f.maxPendingQueue},
		&cli.StringFlag{Name: "addr", Usage: "HTTP listen address", Destination: &f.addr},
		&cli.DurationFlag{Name: "read-timeout", Usage: "HTTP read timeout", Destination: &f.readTimeout},
		&cli.Float64Flag{Name: "requests-per-second", Usage: "0 = unlimited admission rate", Destination: &f.requestsPerSecond},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, or error", Destination: &f.logLevel},
		&cli.StringFlag{Name: "log-format", Usage: "text or json", Destination: &f.logFormat},
	}
}

// resolve merges CLI flags (highest precedence), the config file, and
// config.Defaults() (lowest precedence) into a single config.Config, and
// populates f's fields from the result so callers can read plain values.
func (f *engineFlags) resolve(cmd *cli.Command) (config.Config, error) {
	fileCfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	var flagCfg config.Config
	if cmd.IsSet("max-batch-size") {
		flagCfg.MaxBatchSize = intPtr(f.maxBatchSize)
	}
	if cmd.IsSet("block-size") {
		flagCfg.BlockSize = intPtr(f.blockSize)
	}
	if cmd.IsSet("total-blocks") {
		flagCfg.TotalBlocks = intPtr(f.totalBlocks)
	}
	if cmd.IsSet("num-layers") {
		flagCfg.NumLayers = intPtr(f.numLayers)
	}
	if cmd.IsSet("num-heads") {
		flagCfg.NumHeads = intPtr(f.numHeads)
	}
	if cmd.IsSet("head-dim") {
		flagCfg.HeadDim = intPtr(f.headDim)
	}
	if cmd.IsSet("vocab-size") {
		flagCfg.VocabSize = intPtr(f.vocabSize)
	}
	if cmd.IsSet("idle-sleep") {
		flagCfg.IdleSleep = strPtr(f.idleSleep.String())
	}
	if cmd.IsSet("max-pending-queue") {
		flagCfg.MaxPendingQueue = intPtr(f.maxPendingQueue)
	}
	if cmd.IsSet("addr") {
		flagCfg.HTTP.Addr = strPtr(f.addr)
	}
	if cmd.IsSet("read-timeout") {
		flagCfg.HTTP.ReadTimeout = strPtr(f.readTimeout.String())
	}
	if cmd.IsSet("requests-per-second") {
		flagCfg.HTTP.RequestsPerSecond = float64Ptr(f.requestsPerSecond)
	}
	if cmd.IsSet("log-level") {
		flagCfg.Logging.Level = strPtr(f.logLevel)
	}
	if cmd.IsSet("log-format") {
		flagCfg.Logging.Format = strPtr(f.logFormat)
	}

	merged := config.Merge(config.Merge(config.Defaults(), fileCfg), flagCfg)

	f.maxBatchSize = *merged.MaxBatchSize
	f.blockSize = *merged.BlockSize
	f.totalBlocks = *merged.TotalBlocks
	f.numLayers = *merged.NumLayers
	f.numHeads = *merged.NumHeads
	f.headDim = *merged.HeadDim
	f.vocabSize = *merged.VocabSize
	if d, err := time.ParseDuration(*merged.IdleSleep); err == nil {
		f.idleSleep = d
	}
	f.maxPendingQueue = *merged.MaxPendingQueue
	f.addr = *merged.HTTP.Addr
	if d, err := time.ParseDuration(*merged.HTTP.ReadTimeout); err == nil {
		f.readTimeout = d
	}
	f.requestsPerSecond = *merged.HTTP.RequestsPerSecond
	f.logLevel = *merged.Logging.Level
	f.logFormat = *merged.Logging.Format

	return merged, nil
}

func intPtr(v int) *int             { return &v }
func strPtr(v string) *string       { return &v }
func float64Ptr(v float64) *float64 { return &v }
