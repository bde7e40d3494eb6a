package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/metrics"
)

// ErrRateLimited is returned when the node answers 429.
var ErrRateLimited = errors.New("rpc rate limited")

// RPCConfig configures an EVM JSON-RPC source.
type RPCConfig struct {
	ChainID int64
	URL     string
	// FallbackURLs are tried in order when URL rate limits or rejects a call.
	FallbackURLs []string
	Timeout      time.Duration
	Retry        RetryConfig
	RateLimit    float64 // requests per second, 0 disables limiting
	Burst        int
	// EventTypes maps topic0 hashes to event type names. Logs with an
	// unmapped topic0 are typed by the topic itself.
	EventTypes map[string]string
}

// RPCSource reads contract logs over EVM JSON-RPC.
type RPCSource struct {
	cfg        RPCConfig
	chain      string
	endpoints  []string
	httpClient *http.Client
	limiter    *rate.Limiter
	topics     map[string]string
	logger     *slog.Logger
	nextID     atomic.Int64

	mu     sync.Mutex
	blocks map[uint64]time.Time
}

const blockCacheSize = 4096

func NewRPCSource(cfg RPCConfig, logger *slog.Logger) *RPCSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	topics := make(map[string]string, len(cfg.EventTypes))
	for topic, name := range cfg.EventTypes {
		topics[strings.ToLower(topic)] = name
	}

	return &RPCSource{
		cfg:       cfg,
		chain:     strconv.FormatInt(cfg.ChainID, 10),
		endpoints: append([]string{cfg.URL}, cfg.FallbackURLs...),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
		topics:  topics,
		logger:  logger.With("component", "rpc-source", "chain", cfg.ChainID),
		blocks:  make(map[uint64]time.Time),
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC request with retries, failing over to the next
// endpoint when one rate limits or rejects the caller.
func (s *RPCSource) call(ctx context.Context, method string, params []any, out any) error {
	var lastErr error
	for i, url := range s.endpoints {
		err := withRetry(ctx, s.cfg.Retry, func() error {
			return s.callOnce(ctx, url, method, params, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if ClassifyError(err) == ActionFatal {
			return err
		}
		if i < len(s.endpoints)-1 {
			s.logger.Warn("RPC endpoint failed, trying next", "method", method, "endpoint", i, "error", err)
		}
	}
	return fmt.Errorf("all %d endpoints failed: %w", len(s.endpoints), lastErr)
}

// callOnce performs one JSON-RPC request and decodes its result into out.
func (s *RPCSource) callOnce(ctx context.Context, url, method string, params []any, out any) (err error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(s.chain, method).Inc()
	defer func() {
		metrics.RPCLatency.WithLabelValues(s.chain, method).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.RPCErrorsTotal.WithLabelValues(s.chain, method).Inc()
		}
	}()

	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      s.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w (retry after %q)", method, ErrRateLimited, resp.Header.Get("Retry-After"))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, truncate(raw, 256))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// LatestBlock returns the chain tip via eth_blockNumber.
func (s *RPCSource) LatestBlock(ctx context.Context) (uint64, error) {
	var hex string
	if err := s.call(ctx, "eth_blockNumber", nil, &hex); err != nil {
		return 0, err
	}
	n, err := parseHex(hex)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	metrics.ChainLatestBlock.WithLabelValues(s.chain).Set(float64(n))
	return n, nil
}

type rpcLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	BlockHash   string   `json:"blockHash"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// FetchLogs runs eth_getLogs for the stream's contract and attaches block
// timestamps. Removed logs are dropped.
func (s *RPCSource) FetchLogs(ctx context.Context, stream domain.StreamKey, from, to uint64) ([]domain.EventEnvelope, error) {
	if from > to {
		return nil, domain.NewValidationError("invalid block range %d > %d", from, to)
	}

	filter := map[string]any{
		"address":   stream.Contract,
		"fromBlock": toHex(from),
		"toBlock":   toHex(to),
	}
	if len(s.topics) > 0 {
		topic0 := make([]string, 0, len(s.topics))
		for t := range s.topics {
			topic0 = append(topic0, t)
		}
		filter["topics"] = []any{topic0}
	}

	var raw []json.RawMessage
	if err := s.call(ctx, "eth_getLogs", []any{filter}, &raw); err != nil {
		return nil, err
	}

	events := make([]domain.EventEnvelope, 0, len(raw))
	for _, msg := range raw {
		var l rpcLog
		if err := json.Unmarshal(msg, &l); err != nil {
			return nil, fmt.Errorf("decode log: %w", err)
		}
		if l.Removed {
			continue
		}

		number, err := parseHex(l.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("log block number: %w", err)
		}
		index, err := parseHex(l.LogIndex)
		if err != nil {
			return nil, fmt.Errorf("log index: %w", err)
		}
		ts, err := s.blockTime(ctx, number)
		if err != nil {
			return nil, err
		}

		events = append(events, domain.EventEnvelope{
			Stream:    stream,
			TxHash:    strings.ToLower(l.TxHash),
			LogIndex:  index,
			EventType: s.eventType(l.Topics),
			Block: domain.BlockAnchor{
				Number:    number,
				Hash:      strings.ToLower(l.BlockHash),
				Timestamp: ts,
			},
			Payload: msg,
		})
	}

	s.logger.Debug("Fetched logs", "stream", stream.String(), "from", from, "to", to, "count", len(events))
	return events, nil
}

func (s *RPCSource) eventType(topics []string) string {
	if len(topics) == 0 {
		return "anonymous"
	}
	topic := strings.ToLower(topics[0])
	if name, ok := s.topics[topic]; ok {
		return name
	}
	return topic
}

// blockTime returns the timestamp of a block, caching results.
func (s *RPCSource) blockTime(ctx context.Context, number uint64) (time.Time, error) {
	s.mu.Lock()
	ts, ok := s.blocks[number]
	s.mu.Unlock()
	if ok {
		return ts, nil
	}

	var block struct {
		Timestamp string `json:"timestamp"`
	}
	if err := s.call(ctx, "eth_getBlockByNumber", []any{toHex(number), false}, &block); err != nil {
		return time.Time{}, err
	}
	secs, err := parseHex(block.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d timestamp: %w", number, err)
	}
	ts = time.Unix(int64(secs), 0).UTC()

	s.mu.Lock()
	if len(s.blocks) >= blockCacheSize {
		clear(s.blocks)
	}
	s.blocks[number] = ts
	s.mu.Unlock()
	return ts, nil
}

// Close releases idle connections.
func (s *RPCSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func toHex(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

func parseHex(hexStr string) (uint64, error) {
	n := new(big.Int)
	if _, ok := n.SetString(strings.TrimPrefix(hexStr, "0x"), 16); !ok {
		return 0, fmt.Errorf("invalid hex: %q", hexStr)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("hex out of range: %s", hexStr)
	}
	return n.Uint64(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
