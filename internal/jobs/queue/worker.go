package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/contestwatch/internal/indexing/metrics"
)

// Handler processes one job. Jobs are delivered at least once, so handlers
// must be idempotent. A returned error schedules a retry while the job has
// retries left.
type Handler func(ctx context.Context, job *Job) error

// WorkOptions tunes the worker pool of one family.
type WorkOptions struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int
	// LeaseDuration is how long a fetched job stays invisible to other
	// workers. An unfinished job is redelivered after it expires.
	LeaseDuration time.Duration
	// PollInterval is the wait between fetches when the family is idle.
	PollInterval time.Duration
}

func (o WorkOptions) withDefaults() WorkOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

type registration struct {
	name    string
	handler Handler
	opts    WorkOptions
}

// Work registers handler for the job family name. Workers start with the
// client, or immediately when it is already running.
func (c *Client) Work(name string, handler Handler, opts WorkOptions) error {
	if handler == nil {
		return fmt.Errorf("work %s: nil handler", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[name]; ok {
		return fmt.Errorf("work %s: handler already registered", name)
	}
	reg := registration{name: name, handler: handler, opts: opts.withDefaults()}
	c.handlers[name] = reg

	if c.running {
		c.launch(c.runCtx, reg)
	}
	return nil
}

// launch must be called with mu held.
func (c *Client) launch(ctx context.Context, reg registration) {
	for i := 0; i < reg.opts.Concurrency; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.workLoop(ctx, reg)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reapLoop(ctx, reg)
	}()
}

func (c *Client) workLoop(ctx context.Context, reg registration) {
	for {
		processed, err := c.processOne(ctx, reg)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Queue worker error", "family", reg.name, "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reg.opts.PollInterval):
		}
	}
}

// processOne fetches and runs a single job. processed is false when nothing was due.
func (c *Client) processOne(ctx context.Context, reg registration) (bool, error) {
	job, err := c.backend.Fetch(ctx, reg.name, reg.opts.LeaseDuration)
	if ctx.Err() != nil {
		return false, nil
	}
	c.observe(err)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, reg.opts.LeaseDuration)
	herr := safeRun(runCtx, reg.handler, job)
	cancel()

	// Settle with a fresh context so shutdown does not strand a finished job.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer settleCancel()

	if herr == nil {
		err := c.backend.Complete(settleCtx, job.ID)
		c.observe(err)
		metrics.JobsProcessed.WithLabelValues(reg.name, "completed").Inc()
		return true, err
	}

	var retryAt *time.Time
	if c.cfg.Retry.ShouldRetry(job) {
		at := time.Now().Add(c.cfg.Retry.GetDelay(job.RetryDelay, job.RetryCount))
		retryAt = &at
		metrics.JobsProcessed.WithLabelValues(reg.name, "retry").Inc()
	} else {
		metrics.JobsProcessed.WithLabelValues(reg.name, "failed").Inc()
	}

	c.logger.Warn("Job failed",
		"family", reg.name,
		"job_id", job.ID,
		"attempt", job.RetryCount+1,
		"retry", retryAt != nil,
		"error", herr,
	)

	err = c.backend.Fail(settleCtx, job.ID, herr.Error(), retryAt)
	c.observe(err)
	return true, err
}

func safeRun(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (c *Client) reapLoop(ctx context.Context, reg registration) {
	ticker := time.NewTicker(max(reg.opts.LeaseDuration/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.backend.Reap(ctx, reg.name)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.observe(err)
				c.logger.Error("Queue reaper error", "family", reg.name, "error", err)
				continue
			}
			if n > 0 {
				c.logger.Warn("Redelivering jobs with expired leases", "family", reg.name, "count", n)
			}
		}
	}
}
