// Package milestone owns the status of milestone executions: creation on the
// first dispatch attempt, operator retries, and job outcomes.
package milestone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/infra/storage"
	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// Dispatcher sends milestone jobs.
type Dispatcher interface {
	DispatchMilestone(ctx context.Context, req dispatcher.MilestoneRequest, opts ...queue.SendOption) (string, error)
}

// RetryRequest is an operator request to re-run a milestone. The execution is
// located by IdempotencyKey when set, otherwise by its source event.
type RetryRequest struct {
	IdempotencyKey string
	ContestID      string
	ChainID        int64
	Milestone      string
	SourceTxHash   string
	SourceLogIndex uint64
	Actor          string
	Reason         string
}

// TriggerRequest starts a milestone for a source event.
type TriggerRequest struct {
	ContestID string
	ChainID   int64
	Milestone string
	Source    domain.SourceEvent
}

// IdempotencyKey builds the canonical key of a milestone execution.
func IdempotencyKey(contestID string, chainID int64, milestone, txHash string, logIndex uint64) string {
	return fmt.Sprintf("milestone:%s:%d:%s:%s:%d", contestID, chainID, milestone, strings.ToLower(txHash), logIndex)
}

// Service is the milestone state machine.
type Service struct {
	repo       storage.MilestoneRepository
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a milestone service.
func NewService(repo storage.MilestoneRepository, d Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		dispatcher: d,
		logger:     logger.With("component", "milestone"),
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// lock serializes state changes of one execution within this process.
func (s *Service) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (r RetryRequest) validate() error {
	if strings.TrimSpace(r.Actor) == "" {
		return domain.NewValidationError("actor is required")
	}
	if r.IdempotencyKey != "" {
		return nil
	}
	if r.ContestID == "" || r.Milestone == "" || r.SourceTxHash == "" {
		return domain.NewValidationError("contestId, milestone and sourceTxHash are required without an idempotency key")
	}
	if r.ChainID <= 0 {
		return domain.NewValidationError("chainId must be positive")
	}
	return nil
}

func (s *Service) find(ctx context.Context, req RetryRequest) (*domain.MilestoneExecution, error) {
	if req.IdempotencyKey != "" {
		return s.repo.GetByKey(ctx, req.IdempotencyKey)
	}
	return s.repo.FindBySource(ctx, req.ContestID, req.ChainID, req.Milestone,
		strings.ToLower(req.SourceTxHash), req.SourceLogIndex)
}

// Retry re-dispatches a pending or failed execution on behalf of an operator.
// It fails with ErrNotFound for an unknown execution and with ErrConflict when
// the execution is already queued or completed; no job is sent in either case.
func (s *Service) Retry(ctx context.Context, req RetryRequest) (*domain.MilestoneExecution, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	m, err := s.find(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(m.IdempotencyKey)
	defer unlock()

	// Re-read under the lock so a concurrent retry is observed.
	m, err = s.repo.GetByKey(ctx, m.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	switch m.Status {
	case domain.MilestoneStatusQueued, domain.MilestoneStatusCompleted:
		return nil, fmt.Errorf("%w: milestone %s is already %s", domain.ErrConflict, m.IdempotencyKey, m.Status)
	case domain.MilestoneStatusPending, domain.MilestoneStatusFailed:
	default:
		return nil, fmt.Errorf("%w: milestone %s has status %q", domain.ErrInvalidState, m.IdempotencyKey, m.Status)
	}

	m.Actor = req.Actor
	m.Reason = req.Reason
	if err := s.dispatch(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("Milestone retry queued",
		"key", m.IdempotencyKey,
		"actor", req.Actor,
		"attempts", m.Attempts,
		"job_id", m.JobID,
	)
	return m, nil
}

// dispatch bumps attempts, sends the job and persists the outcome. A failed
// send keeps the status and records the error. A send suppressed by the
// singleton key returns ErrConflict and leaves the execution untouched.
func (s *Service) dispatch(ctx context.Context, m *domain.MilestoneExecution) error {
	m.Attempts++

	jobID, err := s.dispatcher.DispatchMilestone(ctx, dispatcher.MilestoneRequest{
		ContestID:   m.ContestID,
		ChainID:     m.ChainID,
		Milestone:   m.Milestone,
		SourceEvent: m.Source,
		GeneratedAt: s.now().UTC(),
	}, queue.WithSingletonKey(m.IdempotencyKey))
	if err != nil {
		m.LastError = err.Error()
		m.UpdatedAt = s.now()
		if serr := s.repo.Save(ctx, m); serr != nil {
			s.logger.Error("Failed to record dispatch error", "key", m.IdempotencyKey, "error", serr)
		}
		return err
	}
	if jobID == "" {
		m.Attempts--
		return fmt.Errorf("%w: milestone %s already has a job in flight", domain.ErrConflict, m.IdempotencyKey)
	}

	m.Status = domain.MilestoneStatusQueued
	m.JobID = jobID
	m.LastError = ""
	m.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, m); err != nil {
		return &domain.PersistenceError{Op: "save milestone " + m.IdempotencyKey, Cause: err}
	}
	return nil
}

// Trigger creates the execution for a source event on its first dispatch
// attempt. Redelivered events find the existing execution: a pending one is
// dispatched again, any other status is returned untouched. A pending
// execution whose job is already in flight stays pending.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*domain.MilestoneExecution, error) {
	if req.ContestID == "" || req.Milestone == "" || req.Source.TxHash == "" {
		return nil, domain.NewValidationError("contest id, milestone and source tx hash are required")
	}

	key := IdempotencyKey(req.ContestID, req.ChainID, req.Milestone, req.Source.TxHash, req.Source.LogIndex)
	unlock := s.lock(key)
	defer unlock()

	now := s.now()
	m := &domain.MilestoneExecution{
		ContestID: req.ContestID,
		ChainID:   req.ChainID,
		Milestone: req.Milestone,
		Source: domain.SourceEvent{
			TxHash:      strings.ToLower(req.Source.TxHash),
			BlockNumber: req.Source.BlockNumber,
			LogIndex:    req.Source.LogIndex,
		},
		IdempotencyKey: key,
		Status:         domain.MilestoneStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := s.repo.Create(ctx, m)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "create milestone " + key, Cause: err}
	}
	if !created {
		existing, err := s.repo.GetByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing.Status != domain.MilestoneStatusPending {
			return existing, nil
		}
		m = existing
	}

	if err := s.dispatch(ctx, m); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.logger.Debug("Milestone dispatch suppressed", "key", key)
			return m, nil
		}
		return nil, err
	}
	return m, nil
}

// Complete marks an execution completed. Completing twice is a no-op.
func (s *Service) Complete(ctx context.Context, key string) error {
	unlock := s.lock(key)
	defer unlock()

	m, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if m.Status == domain.MilestoneStatusCompleted {
		return nil
	}

	m.Status = domain.MilestoneStatusCompleted
	m.LastError = ""
	m.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, m); err != nil {
		return &domain.PersistenceError{Op: "complete milestone " + key, Cause: err}
	}
	s.logger.Info("Milestone completed", "key", key, "attempts", m.Attempts)
	return nil
}

// Fail records a failed attempt. Only a final failure moves the execution to
// failed, which makes it eligible for an operator retry. Completed
// executions are left alone.
func (s *Service) Fail(ctx context.Context, key string, cause error, final bool) error {
	unlock := s.lock(key)
	defer unlock()

	m, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if m.Status == domain.MilestoneStatusCompleted {
		return nil
	}

	if cause == nil {
		cause = errors.New("unknown failure")
	}
	m.LastError = cause.Error()
	if final {
		m.Status = domain.MilestoneStatusFailed
	}
	m.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, m); err != nil {
		return &domain.PersistenceError{Op: "fail milestone " + key, Cause: err}
	}
	if final {
		s.logger.Warn("Milestone failed", "key", key, "attempts", m.Attempts, "error", cause)
	}
	return nil
}

// Get returns an execution by idempotency key.
func (s *Service) Get(ctx context.Context, key string) (*domain.MilestoneExecution, error) {
	return s.repo.GetByKey(ctx, key)
}
