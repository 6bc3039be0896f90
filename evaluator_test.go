package main

import (
	"context"
	"testing"
	"time"
)

func TestEvaluator_CurrentStatusLiveOccurrence(t *testing.T) {
	series := weekdaySeries()
	series.RRuleStr = "FREQ=DAILY;BYHOUR=10;COUNT=1;DTSTART:20260216T100000;DURATION=PT1H"

	repo := newFakeRepository()
	repo.series = []Series{series}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	resolver.nowFn = func() time.Time { return time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC) }

	eval := NewEvaluator(resolver, repo)
	status, errs := eval.CurrentStatus(context.Background(), time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !status.Live {
		t.Fatal("expected a live occurrence")
	}
	if status.Value != "auto" {
		t.Errorf("expected value auto, got %q", status.Value)
	}
	if !status.BusyUntil.Equal(time.Date(2026, 2, 16, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("expected busy_until 11:00, got %v", status.BusyUntil)
	}
}

func TestEvaluator_CurrentStatusNoneLive(t *testing.T) {
	series := weekdaySeries()
	series.RRuleStr = "FREQ=DAILY;BYHOUR=10;COUNT=1;DTSTART:20260216T100000;DURATION=PT1H"

	repo := newFakeRepository()
	repo.series = []Series{series}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	resolver.nowFn = func() time.Time { return time.Date(2026, 2, 16, 14, 0, 0, 0, time.UTC) }

	eval := NewEvaluator(resolver, repo)
	status, _ := eval.CurrentStatus(context.Background(), time.Date(2026, 2, 16, 14, 0, 0, 0, time.UTC))
	if status.Live {
		t.Fatalf("expected no live occurrence, got %+v", status)
	}
}

// Scenario 5 from spec.md §8: runtime override busy_until is the min of
// override_until and the covered occurrence's end.
func TestEvaluator_OverrideBusyUntilIsMinOfOverrideAndOccurrenceEnd(t *testing.T) {
	series := weekdaySeries()
	series.RRuleStr = "FREQ=DAILY;BYHOUR=10;COUNT=1;DTSTART:20260216T100000;DURATION=PT1H"

	repo := newFakeRepository()
	repo.series = []Series{series}
	until := time.Date(2026, 2, 16, 10, 30, 0, 0, time.UTC)
	repo.runtimeOverride = &RuntimeOverride{OverrideValue: "0", OverrideUntil: &until}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	now := time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC)
	resolver.nowFn = func() time.Time { return now }

	eval := NewEvaluator(resolver, repo)
	status, _ := eval.CurrentStatus(context.Background(), now)
	if status.Value != "0" || status.Source != SourceOverride {
		t.Fatalf("expected override value, got %+v", status)
	}
	if !status.BusyUntil.Equal(until) {
		t.Errorf("expected busy_until = override_until (10:30, earlier than occurrence end 11:00), got %v", status.BusyUntil)
	}
}

// spec.md §4.4: current_status must produce the active runtime override
// when no occurrence is live, not an unconditional Live: false.
func TestEvaluator_CurrentStatusOverrideOnlyWhenNoOccurrenceLive(t *testing.T) {
	repo := newFakeRepository()
	until := time.Date(2026, 2, 16, 15, 0, 0, 0, time.UTC)
	repo.runtimeOverride = &RuntimeOverride{OverrideValue: "1", OverrideUntil: &until}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	now := time.Date(2026, 2, 16, 14, 0, 0, 0, time.UTC)
	resolver.nowFn = func() time.Time { return now }

	eval := NewEvaluator(resolver, repo)
	status, errs := eval.CurrentStatus(context.Background(), now)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !status.Live {
		t.Fatal("expected override-only status to be live")
	}
	if status.Value != "1" || status.Source != SourceOverride {
		t.Errorf("expected override value/source, got %+v", status)
	}
	if status.SingleShot {
		t.Error("expected an override-only status to never be single-shot")
	}
	if !status.BusyUntil.Equal(until) {
		t.Errorf("expected busy_until = override_until, got %v", status.BusyUntil)
	}
}

func TestEvaluator_CurrentStatusExpiredOverrideNotLiveWhenNoOccurrence(t *testing.T) {
	repo := newFakeRepository()
	until := time.Date(2026, 2, 16, 9, 0, 0, 0, time.UTC)
	repo.runtimeOverride = &RuntimeOverride{OverrideValue: "1", OverrideUntil: &until}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	now := time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)
	resolver.nowFn = func() time.Time { return now }

	eval := NewEvaluator(resolver, repo)
	status, _ := eval.CurrentStatus(context.Background(), now)
	if status.Live {
		t.Fatalf("expected an expired override with no live occurrence to report not live, got %+v", status)
	}
}

func TestEvaluator_NextEvent(t *testing.T) {
	repo := newFakeRepository()
	repo.series = []Series{weekdaySeries()}

	cats := NewCategoryResolver(repo)
	resolver := NewResolver(repo, cats)
	eval := NewEvaluator(resolver, repo)

	now := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	next, errs := eval.NextEvent(context.Background(), now)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if next == nil {
		t.Fatal("expected a next event")
	}
	if !next.Start.Equal(time.Date(2026, 2, 16, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("expected next event at 09:00 Monday, got %v", next.Start)
	}
}
