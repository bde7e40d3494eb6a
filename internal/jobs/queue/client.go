// Package queue is the durable job queue: a lifecycle-managed client over a
// Redis (or in-memory) backend with leased workers, retries with backoff and
// interval schedules.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/metrics"
)

// Status is the client lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Health is the monitoring snapshot of a client.
type Health struct {
	Status    Status `json:"status"`
	LastError string `json:"lastError,omitempty"`
}

// Config tunes a Client.
type Config struct {
	Retry RetryPolicy
	// ScheduleInterval is how often the scheduler looks for due recurrences.
	ScheduleInterval time.Duration
}

// Client is the lifecycle-managed queue handle.
//
// It moves stopped → ready on Start, ready → error when a backend call fails
// (and back to ready on the next success) and to stopped on Stop. Send,
// Schedule and Cancel fail fast while stopped.
type Client struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	status   Status
	lastErr  string
	handlers map[string]registration
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewClient creates a stopped client over backend.
func NewClient(backend Backend, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = time.Second
	}
	c := &Client{
		backend:  backend,
		cfg:      cfg,
		logger:   logger.With("component", "queue"),
		status:   StatusStopped,
		handlers: make(map[string]registration),
	}
	c.publishStatus()
	return c
}

// Start connects the client and launches registered workers and the
// scheduler. Starting a running client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	if err := c.backend.Ping(ctx); err != nil {
		c.status = StatusError
		c.lastErr = err.Error()
		c.publishStatus()
		return &domain.TransportError{Op: "start", Cause: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx = runCtx
	c.cancel = cancel
	c.running = true
	c.status = StatusReady
	c.lastErr = ""
	c.publishStatus()

	for _, reg := range c.handlers {
		c.launch(runCtx, reg)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runScheduler(runCtx)
	}()

	c.logger.Info("Queue started", "families", len(c.handlers))
	return nil
}

// Stop halts workers and the scheduler and closes the backend. Stopping a
// stopped client is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for workers: %w", ctx.Err())
	}

	if cerr := c.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}

	c.mu.Lock()
	c.status = StatusStopped
	c.publishStatus()
	c.mu.Unlock()

	c.logger.Info("Queue stopped")
	return err
}

// Health returns the current status and the last backend error.
func (c *Client) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{Status: c.status, LastError: c.lastErr}
}

func (c *Client) ensureRunning(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return &domain.TransportError{Op: op, Cause: domain.ErrQueueNotRunning}
	}
	return nil
}

// observe folds the outcome of a backend call into the client status.
func (c *Client) observe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	prev := c.status
	if err != nil {
		c.status = StatusError
		c.lastErr = err.Error()
	} else {
		c.status = StatusReady
	}
	if prev != c.status {
		c.publishStatus()
		c.logger.Warn("Queue status changed", "from", prev, "to", c.status, "last_error", c.lastErr)
	}
}

// publishStatus must be called with mu held.
func (c *Client) publishStatus() {
	for _, s := range []Status{StatusStopped, StatusReady, StatusError} {
		v := 0.0
		if s == c.status {
			v = 1
		}
		metrics.QueueStatus.WithLabelValues(string(s)).Set(v)
	}
}

// Send enqueues a job and returns its id. The id is empty when the backend
// suppressed the job because its singleton key is held.
func (c *Client) Send(ctx context.Context, name string, payload any, opts ...SendOption) (string, error) {
	if err := c.ensureRunning("send"); err != nil {
		return "", err
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", domain.NewValidationError("job %s payload: %v", name, err)
	}

	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    raw,
		RetryLimit: c.cfg.Retry.Limit,
		RetryDelay: c.cfg.Retry.InitialDelay,
		State:      JobStateCreated,
		StartAfter: now,
		CreatedAt:  now,
	}
	for _, opt := range opts {
		opt(job)
	}

	inserted, err := c.backend.Insert(ctx, job)
	c.observe(err)
	if err != nil {
		return "", &domain.TransportError{Op: "send", Cause: err}
	}
	if !inserted {
		return "", nil
	}
	return job.ID, nil
}

// Schedule registers payload to be sent to name every interval. Registering
// the same name again replaces the previous schedule.
func (c *Client) Schedule(ctx context.Context, name string, every time.Duration, payload any) error {
	if err := c.ensureRunning("schedule"); err != nil {
		return err
	}
	if every <= 0 {
		return domain.NewValidationError("schedule %s: interval must be positive", name)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return domain.NewValidationError("schedule %s payload: %v", name, err)
	}

	err = c.backend.PutSchedule(ctx, Schedule{
		Name:      name,
		Every:     every,
		Payload:   raw,
		UpdatedAt: time.Now(),
	})
	c.observe(err)
	if err != nil {
		return &domain.TransportError{Op: "schedule", Cause: err}
	}
	return nil
}

// Cancel cancels a job. Unknown and already finished jobs are not an error.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.ensureRunning("cancel"); err != nil {
		return err
	}

	err := c.backend.Cancel(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		c.observe(nil)
		return nil
	}
	c.observe(err)
	if err != nil {
		return &domain.TransportError{Op: "cancel", Cause: err}
	}
	return nil
}

// Get returns a job by id.
func (c *Client) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := c.backend.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return job, err
}

// Prune deletes finished jobs older than olderThan.
func (c *Client) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := c.ensureRunning("prune"); err != nil {
		return 0, err
	}
	n, err := c.backend.Prune(ctx, time.Now().Add(-olderThan))
	c.observe(err)
	return n, err
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("invalid json")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("invalid json")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
