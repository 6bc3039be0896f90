package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"
)

// Resolver merges base recurrence expansion with holiday rewrites, per-date
// exceptions, and the process-wide runtime override into a single ordered,
// deterministic ResolvedOccurrence sequence. It holds no mutable state of
// its own: every call takes a fresh Repository snapshot.
type Resolver struct {
	repo  Repository
	cats  *CategoryResolver
	nowFn func() time.Time // injected for deterministic override-layer tests
}

// NewResolver constructs a Resolver backed by repo and cats. now defaults to
// time.Now when nil.
func NewResolver(repo Repository, cats *CategoryResolver) *Resolver {
	return &Resolver{repo: repo, cats: cats, nowFn: time.Now}
}

func (r *Resolver) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}

// Resolve produces the ordered ResolvedOccurrence list for [from, to). A
// series whose rrule_str fails to parse or expand is skipped and its error
// is appended to errs; every other series still resolves normally.
func (r *Resolver) Resolve(ctx context.Context, from, to time.Time) (occurrences []ResolvedOccurrence, errs []error) {
	snapshot, err := r.repo.Snapshot(ctx, from, to)
	if err != nil {
		return nil, []error{fmt.Errorf("resolver: snapshot failed: %w", err)}
	}

	var result []ResolvedOccurrence
	for _, series := range snapshot.Series {
		if !series.Enabled {
			continue
		}

		seriesOccs, err := r.expandSeries(series, from, to)
		if err != nil {
			invalidErr := &InvalidRuleError{SeriesID: series.ID, Reason: err.Error()}
			log.Printf("resolver: skipping series %d: %v", series.ID, invalidErr)
			errs = append(errs, invalidErr)
			continue
		}

		seriesOccs = r.applyHolidayLayer(snapshot, seriesOccs)
		seriesOccs = r.applyExceptionLayer(snapshot, series.ID, seriesOccs)
		result = append(result, seriesOccs...)
	}

	result = r.applyRuntimeOverrideLayer(snapshot, result)
	result = dropCollapsedIntervals(result)

	for i := range result {
		result[i].BgColor, result[i].FgColor = r.cats.Resolve(ctx, result[i].CategoryID, result[i].Title)
	}

	sortResolved(result)
	return result, errs
}

// expandSeries runs the Recurrence Engine for one series and seeds the base
// ResolvedOccurrence list (source = weekly, no layers applied yet).
func (r *Resolver) expandSeries(series Series, from, to time.Time) ([]ResolvedOccurrence, error) {
	rule, err := ParseRule(series.RRuleStr)
	if err != nil {
		return nil, err
	}

	raw, err := rule.Expand(from, to)
	if err != nil {
		return nil, err
	}

	singleShot := rule.SingleShot()

	occs := make([]ResolvedOccurrence, 0, len(raw))
	for _, occ := range raw {
		occs = append(occs, ResolvedOccurrence{
			SeriesID:      series.ID,
			Source:        SourceWeekly,
			Title:         series.TaskName,
			Start:         occ.Start,
			End:           occ.End,
			CategoryID:    series.CategoryID,
			Endpoint:      series.Endpoint,
			NodeID:        series.NodeID,
			TargetValue:   series.TargetValue,
			DataType:      series.DataType,
			Priority:      series.Priority,
			SingleShot:    singleShot,
			OccurrenceKey: occurrenceKey(series.ID, occ.OrigStart),
		})
	}
	return occs, nil
}

func occurrenceKey(seriesID int64, start time.Time) string {
	return fmt.Sprintf("%d:%s", seriesID, start.Format(time.RFC3339))
}

// applyHolidayLayer rewrites category/value for occurrences whose date (or,
// for time-window entries, whose interval) matches a default-calendar
// holiday entry.
func (r *Resolver) applyHolidayLayer(snapshot *RepositorySnapshot, occs []ResolvedOccurrence) []ResolvedOccurrence {
	for i := range occs {
		entry, ok := snapshot.HolidayByDate[dateKey(occs[i].Start)]
		if !ok {
			continue
		}

		if !entry.IsFullDay {
			if entry.StartTime == nil || entry.EndTime == nil {
				continue
			}
			if !intervalsIntersect(occs[i].Start, occs[i].End, *entry.StartTime, *entry.EndTime) {
				continue
			}
		}

		if entry.OverrideCategoryID != nil {
			occs[i].CategoryID = *entry.OverrideCategoryID
		}
		if entry.OverrideTargetValue != nil && *entry.OverrideTargetValue != "" {
			occs[i].TargetValue = *entry.OverrideTargetValue
		}
		occs[i].IsHoliday = true
		occs[i].Source = SourceHoliday
	}
	return occs
}

func intervalsIntersect(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// applyExceptionLayer removes cancelled occurrences and rewrites overridden
// ones. Matching is by date: every base occurrence sharing a date with an
// override exception is rewritten, per spec.md §4.3's documented policy for
// sub-daily recurrences.
func (r *Resolver) applyExceptionLayer(snapshot *RepositorySnapshot, seriesID int64, occs []ResolvedOccurrence) []ResolvedOccurrence {
	byDate := snapshot.ExceptionsBySeries[seriesID]
	if len(byDate) == 0 {
		return occs
	}

	kept := occs[:0]
	for _, occ := range occs {
		exc, ok := byDate[dateKey(occ.Start)]
		if !ok {
			kept = append(kept, occ)
			continue
		}

		switch exc.Action {
		case ExceptionCancel:
			continue // dropped
		case ExceptionOverride:
			if exc.OverrideStart != nil {
				occ.Start = *exc.OverrideStart
			}
			if exc.OverrideEnd != nil {
				occ.End = *exc.OverrideEnd
			}
			if exc.OverrideTaskName != "" {
				occ.Title = exc.OverrideTaskName
			}
			if exc.OverrideTargetValue != "" {
				occ.TargetValue = exc.OverrideTargetValue
			}
			if exc.OverrideCategoryID != nil {
				occ.CategoryID = *exc.OverrideCategoryID
			}
			occ.IsException = true
			occ.Source = SourceException
			occ.OccurrenceKey = occurrenceKey(occ.SeriesID, occ.Start)
			kept = append(kept, occ)
		default:
			kept = append(kept, occ)
		}
	}
	return kept
}

// applyRuntimeOverrideLayer forces target_value on every occurrence whose
// interval contains now, when an active (non-expired) override exists. It
// never synthesises new occurrences and never resurrects a cancelled one
// (cancellation already removed it from the slice above).
func (r *Resolver) applyRuntimeOverrideLayer(snapshot *RepositorySnapshot, occs []ResolvedOccurrence) []ResolvedOccurrence {
	override := snapshot.RuntimeOverride
	if override == nil {
		return occs
	}

	now := r.now()
	if override.OverrideUntil != nil && !override.OverrideUntil.After(now) {
		return occs
	}

	for i := range occs {
		if occs[i].Start.After(now) || !occs[i].End.After(now) {
			continue
		}
		occs[i].TargetValue = override.OverrideValue
		occs[i].IsOverride = true
		occs[i].Source = SourceOverride
		occs[i].SingleShot = false // a runtime override always retries until it expires, never gives up after one write
	}
	return occs
}

// dropCollapsedIntervals removes any occurrence left with end <= start
// after override rewrites, per spec.md §4.3's edge case.
func dropCollapsedIntervals(occs []ResolvedOccurrence) []ResolvedOccurrence {
	kept := occs[:0]
	for _, occ := range occs {
		if occ.End.After(occ.Start) {
			kept = append(kept, occ)
		}
	}
	return kept
}

// sortResolved orders by (start asc, priority desc, series_id asc), the
// total order used by both the UI and the tests.
func sortResolved(occs []ResolvedOccurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		a, b := occs[i], occs[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.SeriesID < b.SeriesID
	})
}
