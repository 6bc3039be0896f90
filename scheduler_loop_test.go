package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeSink records every write call for assertions, optionally failing the
// first N calls to exercise the retry policy.
type fakeSink struct {
	mu        sync.Mutex
	calls     []string
	failUntil int
}

func (s *fakeSink) Write(ctx context.Context, endpoint, nodeID, valueText string, dataType DataType) (SinkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, valueText)
	if len(s.calls) <= s.failUntil {
		return SinkTransient, context.DeadlineExceeded
	}
	return SinkOk, nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestSchedulerLoop_WritesOnceOnSuccess(t *testing.T) {
	series := weekdaySeries()
	series.RRuleStr = "FREQ=DAILY;BYHOUR=10;COUNT=1;DTSTART:20260216T100000;DURATION=PT2H"

	repo := newFakeRepository()
	repo.series = []Series{series}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	now := time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC)
	resolver.nowFn = func() time.Time { return now }

	eval := NewEvaluator(resolver, repo)
	sink := &fakeSink{}
	loop := NewSchedulerLoop(eval, repo, sink)
	loop.nowFn = func() time.Time { return now }

	loop.tick(context.Background())
	loop.tick(context.Background())

	if sink.callCount() != 1 {
		t.Fatalf("expected exactly 1 sink write across ticks, got %d", sink.callCount())
	}
}

// A retry-until-end occurrence (positive DURATION) that fails its first
// write must still be scheduled for retry even in the final minute before
// its busy_until, per spec.md §4.5/§4.4's static single-shot classification
// (status.SingleShot, not wall-clock time remaining).
func TestSchedulerLoop_RetryUntilEndKeepsRetryingAfterFailureNearBusyUntil(t *testing.T) {
	series := weekdaySeries()
	series.RRuleStr = "FREQ=DAILY;BYHOUR=10;COUNT=1;DTSTART:20260216T100000;DURATION=PT2H"

	repo := newFakeRepository()
	repo.series = []Series{series}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	now := time.Date(2026, 2, 16, 11, 59, 0, 0, time.UTC) // 1 minute before busy_until (12:00)
	resolver.nowFn = func() time.Time { return now }

	eval := NewEvaluator(resolver, repo)
	sink := &fakeSink{failUntil: 1}
	loop := NewSchedulerLoop(eval, repo, sink)
	loop.nowFn = func() time.Time { return now }

	loop.tick(context.Background())

	if sink.callCount() != 1 {
		t.Fatalf("expected exactly 1 write attempt, got %d", sink.callCount())
	}
	if loop.last.succeeded {
		t.Fatal("expected the first write to have failed")
	}
	if loop.last.nextRetryAt.IsZero() {
		t.Fatal("expected a retry to be scheduled for a retry-until-end occurrence even in its final minute of life")
	}
}

func TestSchedulerLoop_EnabledGateSkipsWrites(t *testing.T) {
	series := weekdaySeries()
	series.RRuleStr = "FREQ=DAILY;BYHOUR=10;COUNT=1;DTSTART:20260216T100000;DURATION=PT2H"

	repo := newFakeRepository()
	repo.series = []Series{series}
	repo.generalSettings = &GeneralSettings{EnableSchedule: false, ScanRate: time.Second}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	resolver.nowFn = func() time.Time { return time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC) }

	eval := NewEvaluator(resolver, repo)
	sink := &fakeSink{}
	loop := NewSchedulerLoop(eval, repo, sink)
	loop.nowFn = func() time.Time { return time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC) }

	loop.tick(context.Background())

	if sink.callCount() != 0 {
		t.Fatalf("expected no writes with enable_schedule=false, got %d", sink.callCount())
	}
}

func TestSchedulerLoop_ActivePeriodGateSkipsWrites(t *testing.T) {
	series := weekdaySeries()
	series.RRuleStr = "FREQ=DAILY;BYHOUR=10;COUNT=1;DTSTART:20260216T100000;DURATION=PT2H"

	repo := newFakeRepository()
	repo.series = []Series{series}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	repo.generalSettings = &GeneralSettings{
		EnableSchedule: true, ScanRate: time.Second,
		UseActivePeriod: true, ActiveFrom: &from, ActiveTo: &to,
	}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	resolver.nowFn = func() time.Time { return time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC) }

	eval := NewEvaluator(resolver, repo)
	sink := &fakeSink{}
	loop := NewSchedulerLoop(eval, repo, sink)
	loop.nowFn = func() time.Time { return time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC) }

	loop.tick(context.Background())

	if sink.callCount() != 0 {
		t.Fatalf("expected no writes outside active period, got %d", sink.callCount())
	}
}
