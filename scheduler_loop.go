package main

import (
	"context"
	"log"
	"time"
)

// ============================================================================
// Scheduler Loop (Go Ticker)
//
// A time.Ticker plus a done channel: an immediate first check on Start,
// cooperative shutdown on ctx.Done() or a Stop() call. Each tick asks the
// Evaluator for current status and drives the ValueSink under the retry
// policy below.
// ============================================================================

// retryState tracks in-flight retry-until-end bookkeeping for a single live
// occurrence so the loop never re-writes a (occurrence_key, value) pair
// twice after a success, and only retries while the occurrence is live.
type retryState struct {
	occurrenceKey string
	value         string
	lastTickValue string
	succeeded     bool
	nextRetryAt   time.Time
}

// SchedulerLoop ticks every GeneralSettings.ScanRate, pulls current status
// from the Evaluator, and drives a ValueSink under the retry policy from
// spec.md §4.5.
type SchedulerLoop struct {
	evaluator *Evaluator
	repo      Repository
	sink      ValueSink
	nowFn     func() time.Time // injected for deterministic tests

	ticker *time.Ticker
	done   chan bool

	last retryState
}

// NewSchedulerLoop constructs a SchedulerLoop. GeneralSettings are re-read
// from the Repository on every tick rather than captured once, per
// spec.md §9's "owned configuration value, never hidden module state".
func NewSchedulerLoop(evaluator *Evaluator, repo Repository, sink ValueSink) *SchedulerLoop {
	return &SchedulerLoop{evaluator: evaluator, repo: repo, sink: sink, nowFn: time.Now}
}

// Start begins the loop goroutine, ticking at settings.ScanRate (falling
// back to 30s if unset or non-positive so a misconfigured scan_rate cannot
// spin the ticker into a zero-interval panic).
func (s *SchedulerLoop) Start(ctx context.Context) {
	interval := 30 * time.Second
	if settings, err := s.repo.GetGeneralSettings(ctx); err == nil && settings.ScanRate > 0 {
		interval = settings.ScanRate
	}

	s.ticker = time.NewTicker(interval)
	s.done = make(chan bool)

	s.tick(ctx)

	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.tick(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[SchedulerLoop] Started - ticking every %s", interval)
}

// Stop gracefully shuts down the loop.
func (s *SchedulerLoop) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.done != nil {
		s.done <- true
	}
	log.Println("[SchedulerLoop] Stopped")
}

// tick performs one scheduling pass: evaluate current status, apply the
// enabled/active-period gates, and drive the sink under the retry policy.
func (s *SchedulerLoop) tick(ctx context.Context) {
	settings, err := s.repo.GetGeneralSettings(ctx)
	if err != nil {
		log.Printf("[SchedulerLoop] Failed to read general settings: %v", err)
		return
	}

	if !settings.EnableSchedule {
		return
	}

	now := s.nowFn()
	if settings.UseActivePeriod && !withinActivePeriod(now, settings.ActiveFrom, settings.ActiveTo) {
		return
	}

	status, errs := s.evaluator.CurrentStatus(ctx, now)
	for _, e := range errs {
		log.Printf("[SchedulerLoop] resolver error: %v", e)
	}

	if !status.Live {
		s.last = retryState{}
		return
	}

	s.driveSink(ctx, status, now, settings)
}

func withinActivePeriod(now time.Time, from, to *time.Time) bool {
	if from != nil && now.Before(*from) {
		return false
	}
	if to != nil && now.After(*to) {
		return false
	}
	return true
}

// driveSink applies the retry policy: single-shot events never retry on
// failure; retry-until-end events retry every 5 seconds (the per-call write
// timeout) while the occurrence is still live, stopping on first success or when the
// interval ends. The loop never writes the same (occurrence_key, value)
// pair twice after a success. Single-shot vs. retry-until-end is the
// occurrence's static nominal-duration classification (status.SingleShot,
// ultimately Rule.SingleShot()), not how much wall-clock time remains —
// a retry-until-end occurrence in its final minute of life must still
// retry, not be mistaken for single-shot.
func (s *SchedulerLoop) driveSink(ctx context.Context, status CurrentStatus, now time.Time, settings *GeneralSettings) {
	singleShot := status.SingleShot

	if s.last.occurrenceKey == status.OccurrenceKey && s.last.value == status.Value && s.last.succeeded {
		return // already written successfully this interval
	}

	if s.last.occurrenceKey != status.OccurrenceKey || s.last.value != status.Value {
		s.last = retryState{occurrenceKey: status.OccurrenceKey, value: status.Value}
	}

	if !s.last.succeeded && !s.last.nextRetryAt.IsZero() && now.Before(s.last.nextRetryAt) {
		return // waiting out the retry interval
	}

	result, err := writeWithTimeout(ctx, s.sink, 5*time.Second, status.Endpoint, status.NodeID, status.Value, status.DataType)
	if err == nil && result == SinkOk {
		s.last.succeeded = true
		return
	}

	log.Printf("[SchedulerLoop] sink write failed for %s: %v", status.OccurrenceKey, err)

	if singleShot || result == SinkFatal {
		// Single-shot, or a fatal sink error: record the failure and do not
		// retry while this (occurrence_key, value) pair stays live.
		s.last.succeeded = false
		s.last.nextRetryAt = status.BusyUntil
		return
	}

	if now.Before(status.BusyUntil) {
		s.last.nextRetryAt = now.Add(5 * time.Second)
	}
}
