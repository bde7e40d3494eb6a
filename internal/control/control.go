// Package control assembles the ingestion service from configuration and
// manages its lifecycle.
package control

import (
	"log/slog"
	"time"

	"github.com/vietddude/contestwatch/internal/admin/milestone"
	"github.com/vietddude/contestwatch/internal/core/config"
	"github.com/vietddude/contestwatch/internal/indexing/source"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// Config holds the application configuration.
type Config struct {
	App *config.AppConfig

	// Executor runs milestone jobs. Nil logs them.
	Executor milestone.Executor

	// Sources overrides the RPC sources built from App.Chains, keyed by chain id.
	Sources map[int64]source.Source

	// DisableServers skips the admin, health and gRPC listeners.
	DisableServers bool

	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Executor == nil {
		c.Executor = milestone.LogExecutor{Logger: c.Logger}
	}
}

func (c *Config) workOptions(family string) queue.WorkOptions {
	w := c.App.Queue.Workers[family]
	return queue.WorkOptions{
		Concurrency:   w.Concurrency,
		LeaseDuration: w.LeaseDuration,
		PollInterval:  w.PollInterval,
	}
}
