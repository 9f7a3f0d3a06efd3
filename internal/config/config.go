// Package config loads the YAML-backed configuration file that tunes the
// engine, KV cache, and HTTP server, following the same
// pointer-fields-for-unset convention and ~/.config/<app>/config.yaml
// layout as the project's CLI config, generalized to cortexstream's own
// tunables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HTTP holds the HTTP server's tunables. Fields are pointers so the
// loader can tell "absent from the file" apart from "explicitly zero".
type HTTP struct {
	Addr              *string  `yaml:"addr"`
	ReadTimeout       *string  `yaml:"readTimeout"`
	RequestsPerSecond *float64 `yaml:"requestsPerSecond"`
}

// Logging holds the structured logger's tunables.
type Logging struct {
	Level  *string `yaml:"level"`
	Format *string `yaml:"format"`
}

// Config is the on-disk shape of ~/.config/cortexstream/config.yaml.
type Config struct {
	MaxBatchSize    *int    `yaml:"maxBatchSize"`
	BlockSize       *int    `yaml:"blockSize"`
	TotalBlocks     *int    `yaml:"totalBlocks"`
	NumLayers       *int    `yaml:"numLayers"`
	NumHeads        *int    `yaml:"numHeads"`
	HeadDim         *int    `yaml:"headDim"`
	VocabSize       *int    `yaml:"vocabSize"`
	IdleSleep       *string `yaml:"idleSleep"`
	MaxPendingQueue *int    `yaml:"maxPendingQueue"`

	HTTP    HTTP    `yaml:"http"`
	Logging Logging `yaml:"logging"`
}

// Defaults returns a fully-populated Config; every field is non-nil. This
// is the bottom of the CLI-flags > config-file > defaults precedence
// chain.
func Defaults() Config {
	return Config{
		MaxBatchSize:    intPtr(8),
		BlockSize:       intPtr(16),
		TotalBlocks:     intPtr(256),
		NumLayers:       intPtr(4),
		NumHeads:        intPtr(8),
		HeadDim:         intPtr(64),
		VocabSize:       intPtr(32000),
		IdleSleep:       strPtr("10ms"),
		MaxPendingQueue: intPtr(0),
		HTTP: HTTP{
			Addr:              strPtr(":8080"),
			ReadTimeout:       strPtr("30s"),
			RequestsPerSecond: float64Ptr(0),
		},
		Logging: Logging{
			Level:  strPtr("info"),
			Format: strPtr("text"),
		},
	}
}

// Path returns the conventional config file location,
// ~/.config/cortexstream/config.yaml (or the platform equivalent of
// os.UserConfigDir), or "" if the user config directory can't be
// determined.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cortexstream", "config.yaml")
}

// Load reads and parses the YAML file at path. An empty path falls back
// to Path(). A missing file is not an error — it returns a zero Config,
// matching the project's convention that a missing config file just
// means "use defaults".
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Merge returns a Config with every field of override that is non-nil
// replacing the corresponding field of base; base's value is kept
// otherwise. Call as Merge(Merge(Defaults(), fileConfig), flagConfig) to
// get CLI-flags > config-file > defaults precedence.
func Merge(base, override Config) Config {
	out := base
	if override.MaxBatchSize != nil {
		out.MaxBatchSize = override.MaxBatchSize
	}
	if override.BlockSize != nil {
		out.BlockSize = override.BlockSize
	}
	if override.TotalBlocks != nil {
		out.TotalBlocks = override.TotalBlocks
	}
	if override.NumLayers != nil {
		out.NumLayers = override.NumLayers
	}
	if override.NumHeads != nil {
		out.NumHeads = override.NumHeads
	}
	if override.HeadDim != nil {
		out.HeadDim = override.HeadDim
	}
	if override.VocabSize != nil {
		out.VocabSize = override.VocabSize
	}
	if override.IdleSleep != nil {
		out.IdleSleep = override.IdleSleep
	}
	if override.MaxPendingQueue != nil {
		out.MaxPendingQueue = override.MaxPendingQueue
	}
	if override.HTTP.Addr != nil {
		out.HTTP.Addr = override.HTTP.Addr
	}
	if override.HTTP.ReadTimeout != nil {
		out.HTTP.ReadTimeout = override.HTTP.ReadTimeout
	}
	if override.HTTP.RequestsPerSecond != nil {
		out.HTTP.RequestsPerSecond = override.HTTP.RequestsPerSecond
	}
	if override.Logging.Level != nil {
		out.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != nil {
		out.Logging.Format = override.Logging.Format
	}
	return out
}

func intPtr(v int) *int          { return &v }
func strPtr(v string) *string    { return &v }
func float64Ptr(v float64) *float64 { return &v }
