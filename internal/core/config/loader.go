package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${ENV} references, decodes data and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.AdminPort == 0 {
		c.Server.AdminPort = 8080
	}
	if c.Server.HealthPort == 0 {
		c.Server.HealthPort = 9090
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
		if c.Redis.URL != "" {
			c.Queue.Backend = "redis"
		}
	}
	if c.Queue.RetryLimit == 0 {
		c.Queue.RetryLimit = 3
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = 2 * time.Second
	}
	if c.Queue.MaxRetryDelay == 0 {
		c.Queue.MaxRetryDelay = 5 * time.Minute
	}
	if c.Queue.Retention == 0 {
		c.Queue.Retention = 7 * 24 * time.Hour
	}
	if c.Queue.PruneInterval == 0 {
		c.Queue.PruneInterval = time.Hour
	}
	if c.Queue.ReplayChunk == 0 {
		c.Queue.ReplayChunk = 500
	}

	if c.Indexer.ScanInterval == 0 {
		c.Indexer.ScanInterval = 10 * time.Second
	}
	if c.Indexer.BatchBlocks == 0 {
		c.Indexer.BatchBlocks = 500
	}
	if c.Indexer.BatchLimit == 0 {
		c.Indexer.BatchLimit = 1000
	}
	if c.Indexer.LeaseTTL == 0 {
		c.Indexer.LeaseTTL = 30 * time.Second
	}
	if c.Indexer.MaxReplayWindow == 0 {
		c.Indexer.MaxReplayWindow = 50_000
	}
	if c.Indexer.DegradedLag == 0 {
		c.Indexer.DegradedLag = 10
	}
	if c.Indexer.CriticalLag == 0 {
		c.Indexer.CriticalLag = 100
	}

	for i := range c.Chains {
		if c.Chains[i].Timeout == 0 {
			c.Chains[i].Timeout = 10 * time.Second
		}
	}
	for i := range c.Streams {
		c.Streams[i].Contract = strings.ToLower(c.Streams[i].Contract)
		events := make(map[string]string, len(c.Streams[i].Events))
		for topic, name := range c.Streams[i].Events {
			events[strings.ToLower(topic)] = name
		}
		c.Streams[i].Events = events
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks cross references between sections.
func (c *AppConfig) Validate() error {
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return domain.NewValidationError("queue backend redis requires redis.url")
		}
	default:
		return domain.NewValidationError("unknown queue backend %q", c.Queue.Backend)
	}

	seenChains := make(map[int64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID <= 0 {
			return domain.NewValidationError("chain id must be positive, got %d", ch.ID)
		}
		if seenChains[ch.ID] {
			return domain.NewValidationError("chain %d configured twice", ch.ID)
		}
		if ch.RPCURL == "" {
			return domain.NewValidationError("chain %d has no rpc_url", ch.ID)
		}
		seenChains[ch.ID] = true
	}

	seenStreams := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		key := s.Key()
		if err := key.Validate(); err != nil {
			return err
		}
		if !seenChains[s.ChainID] {
			return domain.NewValidationError("stream %s references unknown chain %d", key, s.ChainID)
		}
		if seenStreams[key.String()] {
			return domain.NewValidationError("stream %s configured twice", key)
		}
		seenStreams[key.String()] = true
	}

	for _, h := range c.Handlers {
		if h.EventType == "" || h.Milestone == "" {
			return domain.NewValidationError("handler needs event_type and milestone")
		}
	}
	return nil
}
