// Package bulk applies one field value to every pass of a template.
package bulk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"wallet-pass-backend/internal/metrics"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/passcontent"
	"wallet-pass-backend/internal/passupdate"
	"wallet-pass-backend/internal/store"
)

// Updater applies a single-pass field update.
type Updater interface {
	UpdateFields(ctx context.Context, req passupdate.UpdateRequest) (*model.PassUpdate, error)
}

// BudgetWaiter suspends until the Apple push budget of a pass type
// identifier has room.
type BudgetWaiter interface {
	WaitForBudget(ctx context.Context, passTypeID string) error
}

// Notifier is told when a run completes.
type Notifier interface {
	Dispatch(b model.BulkUpdate)
}

// StartRequest describes a bulk update.
type StartRequest struct {
	AccountID   int64
	TemplateID  int64
	FieldKey    string
	FieldValue  string
	Status      model.PassStatus
	Platform    model.Platform
	InitiatedBy string
}

// saveAttempts bounds how often a run's state write is tried before the run
// gives up on it.
const saveAttempts = 5

// Options tunes pacing.
type Options struct {
	PassesPerSecond float64
	Burst           int
}

// Service starts, runs and reports bulk updates.
type Service struct {
	store    store.Store
	updater  Updater
	budget   BudgetWaiter
	notifier Notifier
	limit    rate.Limit
	burst    int
	now      func() time.Time

	saveRetryInterval time.Duration

	runCtx context.Context
	wg     sync.WaitGroup
}

// NewService creates a Service. Background runs stop when ctx is cancelled
// and are picked up again by Resume.
func NewService(ctx context.Context, s store.Store, updater Updater, budget BudgetWaiter, notifier Notifier, opts Options) *Service {
	limit := rate.Inf
	if opts.PassesPerSecond > 0 {
		limit = rate.Limit(opts.PassesPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		store:    s,
		updater:  updater,
		budget:   budget,
		notifier: notifier,
		limit:    limit,
		burst:    burst,
		now:      time.Now,
		runCtx:   ctx,

		saveRetryInterval: 500 * time.Millisecond,
	}
}

// Start validates the request, records the bulk update and runs it in the
// background. A template with an unfinished run yields store.ErrBulkInProgress.
func (s *Service) Start(ctx context.Context, req StartRequest) (*model.BulkUpdate, error) {
	tmpl, err := s.store.GetTemplate(ctx, req.AccountID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := passcontent.Validate(tmpl.Fields, []string{req.FieldKey}); err != nil {
		return nil, err
	}

	b := &model.BulkUpdate{
		AccountID:      req.AccountID,
		TemplateID:     req.TemplateID,
		FieldKey:       req.FieldKey,
		FieldValue:     req.FieldValue,
		FilterStatus:   req.Status,
		FilterPlatform: req.Platform,
		InitiatedBy:    req.InitiatedBy,
		Status:         model.BulkPending,
	}
	if err := s.store.CreateBulkUpdate(ctx, b); err != nil {
		return nil, err
	}
	log.Printf("Bulk update %s started on template %d (%s)", b.ID, b.TemplateID, b.FieldKey)

	s.launch(*b)
	return b, nil
}

// Get returns a bulk update with its live counters.
func (s *Service) Get(ctx context.Context, accountID int64, id string) (*model.BulkUpdate, error) {
	return s.store.GetBulkUpdate(ctx, accountID, id)
}

// Resume relaunches every unfinished bulk update from its first pass.
func (s *Service) Resume(ctx context.Context) error {
	runs, err := s.store.ListUnfinishedBulkUpdates(ctx)
	if err != nil {
		return err
	}
	for _, b := range runs {
		log.Printf("Resuming bulk update %s on template %d", b.ID, b.TemplateID)
		s.launch(b)
	}
	return nil
}

// Wait blocks until every background run has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) launch(b model.BulkUpdate) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(s.runCtx, &b); err != nil {
			log.Printf("Bulk update %s stopped: %v", b.ID, err)
		}
	}()
}

// Run applies the bulk update to every matching pass. Per-pass failures are
// counted, not returned. When ctx ends first the run stays unfinished for
// Resume; any other error fails the run and releases its template.
func (s *Service) Run(ctx context.Context, b *model.BulkUpdate) error {
	err := s.run(ctx, b)
	if err == nil {
		log.Printf("Bulk update %s completed: %d processed, %d failed of %d", b.ID, b.ProcessedCount, b.FailedCount, b.TotalCount)
		if s.notifier != nil {
			s.notifier.Dispatch(*b)
		}
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	done := s.now()
	b.Status = model.BulkFailed
	b.CompletedAt = &done
	b.ErrorMessage = err.Error()
	if saveErr := s.persist(ctx, b); saveErr != nil {
		log.Printf("Failed to record failure of bulk update %s: %v", b.ID, saveErr)
	}
	return err
}

func (s *Service) run(ctx context.Context, b *model.BulkUpdate) error {
	account, err := s.store.GetAccount(ctx, b.AccountID)
	if err != nil {
		return err
	}
	passes, err := s.store.ListPassesForBulk(ctx, store.BulkFilter{
		AccountID:  b.AccountID,
		TemplateID: b.TemplateID,
		Status:     b.FilterStatus,
		Platform:   b.FilterPlatform,
	})
	if err != nil {
		return err
	}

	now := s.now()
	b.Status = model.BulkProcessing
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	b.TotalCount = len(passes)
	b.ProcessedCount = 0
	b.FailedCount = 0
	if err := s.persist(ctx, b); err != nil {
		return err
	}

	limiter := rate.NewLimiter(s.limit, s.burst)
	for _, pass := range passes {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if s.budget != nil && pass.Platform.TargetsApple() {
			if err := s.budget.WaitForBudget(ctx, account.ApplePassTypeID); err != nil {
				return err
			}
		}

		_, err := s.updater.UpdateFields(ctx, passupdate.UpdateRequest{
			AccountID:   b.AccountID,
			PassID:      pass.ID,
			Fields:      map[string]string{b.FieldKey: b.FieldValue},
			InitiatedBy: b.InitiatedBy,
			Source:      model.SourceBulk,
		})
		if err != nil {
			b.FailedCount++
			metrics.BulkPasses.WithLabelValues(metrics.OutcomeFailure).Inc()
			log.Printf("Bulk update %s: pass %s failed: %v", b.ID, pass.SerialNumber, err)
		} else {
			b.ProcessedCount++
			metrics.BulkPasses.WithLabelValues(metrics.OutcomeSuccess).Inc()
		}
		// Counters live in b; the next save carries them.
		if err := s.store.SaveBulkProgress(ctx, b); err != nil {
			log.Printf("Bulk update %s: failed to save progress: %v", b.ID, err)
		}
	}

	done := s.now()
	b.Status = model.BulkCompleted
	b.CompletedAt = &done
	if err := s.persist(ctx, b); err != nil {
		return fmt.Errorf("failed to complete bulk update: %w", err)
	}
	return nil
}

// persist saves b, retrying transient store errors with exponential backoff.
func (s *Service) persist(ctx context.Context, b *model.BulkUpdate) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.saveRetryInterval
	var err error
	for attempt := 1; ; attempt++ {
		if err = s.store.SaveBulkProgress(ctx, b); err == nil || attempt == saveAttempts {
			return err
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return err
		}
	}
}
