package main

import (
	"context"
	"time"
)

// CurrentStatus is the Evaluator's answer to "what should the sink be
// writing right now".
type CurrentStatus struct {
	Value         string
	Title         string
	Source        OccurrenceSource
	BusyUntil     time.Time
	Priority      int
	DataType      DataType
	Endpoint      string
	NodeID        string
	OccurrenceKey string
	SingleShot    bool // static per-occurrence flag, independent of time remaining
	OverrideValue *string
	OverrideUntil *time.Time
	Live          bool // false when neither an occurrence nor an override is active
}

// NextEvent describes the first upcoming occurrence after now, within the
// Evaluator's forward horizon.
type NextEvent struct {
	Start time.Time
	Title string
	Value string
}

// horizonFloor is the window the Evaluator resolves on each side of now.
// It is fixed: individual rule periods are not consulted, so NextEvent
// returns nil when a rule's next occurrence lies more than 7 days after now.
const horizonFloor = 7 * 24 * time.Hour

// Evaluator computes current status and next event from Resolver output.
// It holds no state between calls: every query re-resolves, so it always
// reflects the latest repository writes.
type Evaluator struct {
	resolver *Resolver
	repo     Repository
}

// NewEvaluator constructs an Evaluator backed by resolver and repo (repo is
// read for the runtime override row when reporting override details).
func NewEvaluator(resolver *Resolver, repo Repository) *Evaluator {
	return &Evaluator{resolver: resolver, repo: repo}
}

// CurrentStatus returns the occurrence live at now, or the runtime override
// if one covers now and no occurrence does. Ties at start = now break by
// higher priority, then lower series id — both already guaranteed by the
// Resolver's ordering, so the first live match in resolved order wins.
func (e *Evaluator) CurrentStatus(ctx context.Context, now time.Time) (CurrentStatus, []error) {
	from := now.Add(-horizonFloor)
	to := now.Add(horizonFloor)

	resolved, errs := e.resolver.Resolve(ctx, from, to)

	var live *ResolvedOccurrence
	for i := range resolved {
		occ := &resolved[i]
		if !occ.Start.After(now) && occ.End.After(now) {
			live = occ
			break
		}
	}

	if live == nil {
		return e.statusFromOverrideOnly(ctx, now, errs)
	}

	status := CurrentStatus{
		Value:         live.TargetValue,
		Title:         live.Title,
		Source:        live.Source,
		BusyUntil:     live.End,
		Priority:      live.Priority,
		DataType:      live.DataType,
		Endpoint:      live.Endpoint,
		NodeID:        live.NodeID,
		OccurrenceKey: live.OccurrenceKey,
		SingleShot:    live.SingleShot,
		Live:          true,
	}

	if live.IsOverride {
		snapshot, err := e.repo.GetRuntimeOverride(ctx)
		if err == nil && snapshot != nil {
			status.OverrideValue = &snapshot.OverrideValue
			status.OverrideUntil = snapshot.OverrideUntil
			status.BusyUntil = minTime(orMax(snapshot.OverrideUntil), live.End)
		}
	}

	return status, errs
}

// statusFromOverrideOnly handles the case where no occurrence covers now: a
// still-active runtime override keeps the sink driven even with nothing on
// the calendar live, per spec.md §4.4.
func (e *Evaluator) statusFromOverrideOnly(ctx context.Context, now time.Time, errs []error) (CurrentStatus, []error) {
	override, err := e.repo.GetRuntimeOverride(ctx)
	if err != nil || override == nil {
		return CurrentStatus{Live: false}, errs
	}
	if override.OverrideUntil != nil && !override.OverrideUntil.After(now) {
		return CurrentStatus{Live: false}, errs
	}

	return CurrentStatus{
		Value:         override.OverrideValue,
		Source:        SourceOverride,
		BusyUntil:     orMax(override.OverrideUntil),
		OccurrenceKey: "",
		SingleShot:    false, // a runtime override always retries until it expires
		OverrideValue: &override.OverrideValue,
		OverrideUntil: override.OverrideUntil,
		Live:          true,
	}, errs
}

// NextEvent returns the first occurrence starting strictly after now.
func (e *Evaluator) NextEvent(ctx context.Context, now time.Time) (*NextEvent, []error) {
	to := now.Add(horizonFloor)
	resolved, errs := e.resolver.Resolve(ctx, now, to)

	for i := range resolved {
		occ := &resolved[i]
		if occ.Start.After(now) {
			return &NextEvent{Start: occ.Start, Title: occ.Title, Value: occ.TargetValue}, errs
		}
	}
	return nil, errs
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func orMax(t *time.Time) time.Time {
	if t == nil {
		return time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return *t
}
