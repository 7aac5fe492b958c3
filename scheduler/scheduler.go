// Package scheduler runs the dispatch tick: find due enrollments, ask the
// drip limiter, claim, render and hand off to a channel adapter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dripline/channels"
	"dripline/drip"
	"dripline/enrollments"
	"dripline/models"
	"dripline/renderer"
	"dripline/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

const (
	DefaultDispatchTimeout = 30 * time.Second
	DefaultClaimTTL        = 10 * time.Minute
	DefaultMaxConcurrent   = 16

	// claimMargin is added to the dispatch timeout when the claim TTL is too
	// short. It covers recording the outcome after the adapter returns.
	claimMargin = time.Minute
)

// SequenceSource loads a sequence with its steps.
type SequenceSource interface {
	Get(ctx context.Context, id uint) (*models.SequenceDefinition, error)
}

type Options struct {
	DispatchTimeout time.Duration
	ClaimTTL        time.Duration
	MaxConcurrent   int64
	Now             func() time.Time
}

type Scheduler struct {
	DB          *gorm.DB
	Enrollments *enrollments.Tracker
	Sequences   SequenceSource
	Limiter     drip.Limiter
	Renderer    *renderer.Renderer
	Channels    *channels.Registry
	Logger      *logrus.Entry

	dispatchTimeout time.Duration
	claimTTL        time.Duration
	now             func() time.Time

	pool     *semaphore.Weighted
	inflight sync.WaitGroup
}

// Report summarizes one tick.
type Report struct {
	Due         int
	Dispatched  int
	RateLimited int
	Abandoned   int // claim lost to a concurrent transition
	Failed      int // failed before reaching an adapter
}

func New(db *gorm.DB, tracker *enrollments.Tracker, seqs SequenceSource, limiter drip.Limiter,
	r *renderer.Renderer, registry *channels.Registry, opts Options) *Scheduler {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	logger := utils.NewLogger("scheduler")
	if opts.ClaimTTL <= opts.DispatchTimeout {
		// A claim must outlive the send it guards or the step goes out twice.
		clamped := opts.DispatchTimeout + claimMargin
		logger.WithFields(logrus.Fields{
			"claim_ttl":        opts.ClaimTTL,
			"dispatch_timeout": opts.DispatchTimeout,
			"using":            clamped,
		}).Warn("Claim TTL does not exceed the dispatch timeout, raising it")
		opts.ClaimTTL = clamped
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		DB:              db,
		Enrollments:     tracker,
		Sequences:       seqs,
		Limiter:         limiter,
		Renderer:        r,
		Channels:        registry,
		Logger:          logger,
		dispatchTimeout: opts.DispatchTimeout,
		claimTTL:        opts.ClaimTTL,
		now:             opts.Now,
		pool:            semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Wait blocks until every dispatch started so far has been recorded.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Tick evaluates every due enrollment once, in dispatch order. Dispatches run
// in the background; Tick does not wait for them.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	var report Report
	now := s.now().UTC()

	due, err := s.Enrollments.DueEnrollments(ctx, now, s.claimTTL)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	seqs := make(map[uint]*models.SequenceDefinition)
	for i := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e := &due[i]

		seq, ok := seqs[e.SequenceID]
		if !ok {
			if seq, err = s.Sequences.Get(ctx, e.SequenceID); err != nil {
				utils.LogError("scheduler_sequence", err, map[string]interface{}{"enrollment_id": e.ID})
				continue
			}
			seqs[e.SequenceID] = seq
		}

		if err := s.process(ctx, e, seq, &report); err != nil {
			utils.LogError("scheduler_process", err, map[string]interface{}{
				"enrollment_id": e.ID,
				"position":      e.CurrentPosition,
			})
		}
	}

	if report.Due > 0 {
		s.Logger.WithFields(logrus.Fields{
			"due":          report.Due,
			"dispatched":   report.Dispatched,
			"rate_limited": report.RateLimited,
			"abandoned":    report.Abandoned,
			"failed":       report.Failed,
		}).Info("Tick processed")
	}
	return report, nil
}

func (s *Scheduler) process(ctx context.Context, e *models.Enrollment, seq *models.SequenceDefinition, report *Report) error {
	step := seq.Step(e.CurrentPosition)
	if step == nil {
		report.Failed++
		_, err := s.Enrollments.Halt(ctx, e.ID, models.EnrollmentHaltedByFailure,
			fmt.Sprintf("sequence %d has no step at position %d", seq.ID, e.CurrentPosition))
		return err
	}

	var lead models.Lead
	if err := s.DB.WithContext(ctx).First(&lead, e.LeadID).Error; err != nil {
		return fmt.Errorf("load lead %d: %w", e.LeadID, err)
	}
	if !lead.Contactable() {
		report.Failed++
		_, err := s.Enrollments.Cancel(ctx, e.ID, "lead is no longer contactable")
		return err
	}

	if lead.IsBounced && step.Channel == models.ChannelEmail {
		report.Failed++
		bounced := channels.Failed("", channels.Permanent(errors.New("lead email address has bounced")))
		return s.complete(ctx, e, seq, step, bounced, s.now())
	}

	// The pool slot is taken before the claim, so a claimed enrollment never
	// queues behind other dispatches.
	if err := s.pool.Acquire(ctx, 1); err != nil {
		// shutting down
		return err
	}
	dispatching := false
	defer func() {
		if !dispatching {
			s.pool.Release(1)
		}
	}()

	granted, err := s.Limiter.TryAcquire(ctx, step.Channel)
	if err != nil {
		return err
	}
	grantedAt := s.now().UTC()
	if !granted {
		report.RateLimited++
		return s.Enrollments.RecordAttempt(ctx, s.attempt(e, step, models.OutcomeSkippedRateLimited, "", nil, grantedAt))
	}

	if err := s.Enrollments.Claim(ctx, e, grantedAt); err != nil {
		if errors.Is(err, models.ErrRaceLost) {
			report.Abandoned++
			s.Logger.WithField("enrollment_id", e.ID).Debug("Enrollment changed before dispatch, skipping")
			return nil
		}
		return err
	}

	content, err := s.Renderer.Render(ctx, &lead, seq, step)
	if err != nil {
		report.Failed++
		return s.complete(ctx, e, seq, step, channels.Failed("", channels.Permanent(err)), grantedAt)
	}

	adapter, err := s.Channels.Get(step.Channel)
	if err != nil {
		report.Failed++
		return s.complete(ctx, e, seq, step, channels.Failed("", channels.Permanent(err)), grantedAt)
	}

	dispatching = true
	report.Dispatched++
	s.inflight.Add(1)

	claimed := *e
	leadCtx := channels.NewLeadContext(&lead, &claimed)
	go func() {
		defer s.inflight.Done()
		defer s.pool.Release(1)

		// In-flight sends finish even if the tick context is canceled.
		dctx := context.WithoutCancel(ctx)
		if !s.stillClaimed(dctx, &claimed) {
			return
		}
		res := s.send(dctx, adapter, leadCtx, content)
		if err := s.complete(dctx, &claimed, seq, step, res, grantedAt); err != nil {
			utils.LogError("scheduler_complete", err, map[string]interface{}{
				"enrollment_id": claimed.ID,
				"position":      claimed.CurrentPosition,
			})
		}
	}()
	return nil
}

// stillClaimed re-reads a claimed enrollment right before the adapter call.
// If a reply, pause or cancel moved it since the claim, the claim is dropped
// and nothing is recorded.
func (s *Scheduler) stillClaimed(ctx context.Context, claimed *models.Enrollment) bool {
	cur, err := s.Enrollments.Get(ctx, claimed.ID)
	if err != nil {
		utils.LogError("scheduler_recheck", err, map[string]interface{}{"enrollment_id": claimed.ID})
		return false
	}
	if cur.Status.Active() && cur.CurrentPosition == claimed.CurrentPosition {
		return true
	}

	if err := s.Enrollments.Release(ctx, cur.ID); err != nil {
		utils.LogError("scheduler_release", err, map[string]interface{}{"enrollment_id": cur.ID})
	}
	s.Logger.WithFields(logrus.Fields{
		"enrollment_id": cur.ID,
		"status":        cur.Status,
	}).Info("Enrollment changed after claim, dispatch dropped")
	return false
}

// send calls the adapter and converts a missed deadline into a failure.
func (s *Scheduler) send(ctx context.Context, adapter channels.Adapter, lead channels.LeadContext, content channels.Content) channels.Result {
	ctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	done := make(chan channels.Result, 1)
	go func() {
		done <- adapter.Send(ctx, lead, content)
	}()

	select {
	case res := <-done:
		if !res.Outcome.Succeeded() && res.Err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = fmt.Errorf("dispatch timed out after %s: %w", s.dispatchTimeout, res.Err)
		}
		return res
	case <-ctx.Done():
		return channels.Failed("", fmt.Errorf("dispatch timed out after %s", s.dispatchTimeout))
	}
}

// complete records res for the claimed step. The attempt is stamped with
// grantedAt, the instant the drip token was taken, so sent attempts in any
// rolling window never outnumber the channel's capacity. The enrollment's
// last action is the time the adapter returned.
func (s *Scheduler) complete(ctx context.Context, e *models.Enrollment, seq *models.SequenceDefinition, step *models.StepDefinition, res channels.Result, grantedAt time.Time) error {
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	outcome := res.Outcome
	if outcome == "" {
		outcome = models.OutcomeFailed
	}
	a := s.attempt(e, step, outcome, res.ProviderRef, res.Err, grantedAt)
	_, err := s.Enrollments.Complete(ctx, e.ID, seq, a, s.now())
	if err == nil && !outcome.Succeeded() {
		utils.LogEvent("dispatch_failed", map[string]interface{}{
			"enrollment_id": e.ID,
			"channel":       step.Channel,
			"error":         errText,
		})
	}
	return err
}

func (s *Scheduler) attempt(e *models.Enrollment, step *models.StepDefinition, outcome models.Outcome, ref string, err error, at time.Time) *models.DeliveryAttempt {
	a := &models.DeliveryAttempt{
		EnrollmentID: e.ID,
		LeadID:       e.LeadID,
		SequenceID:   e.SequenceID,
		Position:     step.Position,
		Channel:      step.Channel,
		AttemptedAt:  at.UTC(),
		Outcome:      outcome,
		ProviderRef:  ref,
	}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}
