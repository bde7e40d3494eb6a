package config

import (
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
	redisclient "github.com/vietddude/contestwatch/internal/infra/redis"
	"github.com/vietddude/contestwatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Queue    QueueConfig        `yaml:"queue"`
	Indexer  IndexerConfig      `yaml:"indexer"`
	Chains   []ChainConfig      `yaml:"chains"`
	Streams  []StreamConfig     `yaml:"streams"`
	Handlers []HandlerConfig    `yaml:"handlers"`
	Logging  LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds listener ports. A zero GRPCPort disables the gRPC
// health endpoint.
type ServerConfig struct {
	AdminPort  int `yaml:"admin_port"`
	HealthPort int `yaml:"health_port"`
	GRPCPort   int `yaml:"grpc_port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	Backend       string                  `yaml:"backend"` // redis or memory
	Prefix        string                  `yaml:"prefix"`
	RetryLimit    int                     `yaml:"retry_limit"`
	RetryDelay    time.Duration           `yaml:"retry_delay"`
	MaxRetryDelay time.Duration           `yaml:"max_retry_delay"`
	Retention     time.Duration           `yaml:"retention"`
	PruneInterval time.Duration           `yaml:"prune_interval"`
	ReplayChunk   uint64                  `yaml:"replay_chunk"`
	Workers       map[string]WorkerConfig `yaml:"workers"` // keyed by job family
}

// WorkerConfig tunes the worker pool of one job family.
type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

// IndexerConfig holds the polling defaults shared by every stream.
type IndexerConfig struct {
	ScanInterval    time.Duration `yaml:"scan_interval"`
	MinScanInterval time.Duration `yaml:"min_scan_interval"`
	BatchBlocks     uint64        `yaml:"batch_blocks"`
	BatchLimit      int           `yaml:"batch_limit"`
	Confirmations   uint64        `yaml:"confirmations"`
	ReplayThreshold uint64        `yaml:"replay_threshold"` // 0 disables lag jumps
	MaxReplayWindow uint64        `yaml:"max_replay_window"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	DegradedLag     int64         `yaml:"degraded_lag"`
	CriticalLag     int64         `yaml:"critical_lag"`
}

// ChainConfig holds the JSON-RPC endpoint of one chain.
type ChainConfig struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	RPCURL string `yaml:"rpc_url"`
	// FallbackURLs are used when rpc_url rate limits or rejects calls.
	FallbackURLs []string      `yaml:"fallback_urls"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst        int           `yaml:"burst"`
}

// StreamConfig declares one contest contract to ingest.
type StreamConfig struct {
	ContestID     string            `yaml:"contest_id"`
	ChainID       int64             `yaml:"chain_id"`
	Contract      string            `yaml:"contract"`
	StartBlock    uint64            `yaml:"start_block"`
	Confirmations *uint64           `yaml:"confirmations"`
	Events        map[string]string `yaml:"events"` // topic0 -> event type
}

// Key returns the normalized stream key.
func (s StreamConfig) Key() domain.StreamKey {
	return domain.NewStreamKey(s.ContestID, s.ChainID, s.Contract)
}

// HandlerConfig maps an event type to the milestone it triggers.
type HandlerConfig struct {
	EventType string `yaml:"event_type"`
	Milestone string `yaml:"milestone"`
}

// Chain returns the chain config by id.
func (c *AppConfig) Chain(id int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// StreamKeys returns the keys of every configured stream.
func (c *AppConfig) StreamKeys() []domain.StreamKey {
	keys := make([]domain.StreamKey, 0, len(c.Streams))
	for _, s := range c.Streams {
		keys = append(keys, s.Key())
	}
	return keys
}

// EventTypes merges the topic maps of every stream on chainID.
func (c *AppConfig) EventTypes(chainID int64) map[string]string {
	out := make(map[string]string)
	for _, s := range c.Streams {
		if s.ChainID != chainID {
			continue
		}
		for topic, name := range s.Events {
			out[topic] = name
		}
	}
	return out
}
