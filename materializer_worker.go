package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
)

// ============================================================================
// Job Definition: Materialize Series
//
// Given a series id and a forward horizon, resolve its occurrences and
// upsert them into a cache table. This is a read-side optimization only —
// the Resolver itself never reads from this cache, so a failed or delayed
// materialization never affects correctness, only how fresh the UI's
// fast-path read is.
// ============================================================================

// MaterializeSeriesArgs defines the arguments for materializing one series'
// resolved occurrences into the read cache.
type MaterializeSeriesArgs struct {
	SeriesID         int64     `json:"series_id"`
	MaterializeUntil time.Time `json:"materialize_until"`
}

// Kind returns the job type identifier for River routing.
func (MaterializeSeriesArgs) Kind() string {
	return "materialize_series"
}

// InsertOpts specifies River job insertion options.
func (MaterializeSeriesArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       "materializer",
		MaxAttempts: 5,
		Priority:    3,
	}
}

// MaterializeSeriesWorker implements River's Worker interface.
type MaterializeSeriesWorker struct {
	river.WorkerDefaults[MaterializeSeriesArgs]
	dbPool   *pgxpool.Pool
	resolver *Resolver
}

// Work resolves one series' occurrences over [now, materialize_until) and
// upserts them into scheduler.resolved_occurrence_cache.
func (w *MaterializeSeriesWorker) Work(ctx context.Context, job *river.Job[MaterializeSeriesArgs]) error {
	startTime := time.Now()
	log.Printf("[Job %d] Materializing series %d until %s", job.ID, job.Args.SeriesID, job.Args.MaterializeUntil.Format("2006-01-02"))

	from := time.Now()
	resolved, errs := w.resolver.Resolve(ctx, from, job.Args.MaterializeUntil)
	for _, e := range errs {
		log.Printf("[Job %d] resolver warning: %v", job.ID, e)
	}

	written := 0
	for _, occ := range resolved {
		if occ.SeriesID != job.Args.SeriesID {
			continue
		}
		if err := w.upsertCacheRow(ctx, occ); err != nil {
			return fmt.Errorf("failed to upsert cache row for %s: %w", occ.OccurrenceKey, err)
		}
		written++
	}

	if err := w.deleteStaleRows(ctx, job.Args.SeriesID, from); err != nil {
		log.Printf("[Job %d] failed to prune stale cache rows: %v", job.ID, err)
	}

	log.Printf("[Job %d] Completed: %d occurrences cached, took %v", job.ID, written, time.Since(startTime))
	return nil
}

func (w *MaterializeSeriesWorker) upsertCacheRow(ctx context.Context, occ ResolvedOccurrence) error {
	_, err := w.dbPool.Exec(ctx, `
		INSERT INTO scheduler.resolved_occurrence_cache
			(occurrence_key, series_id, source, title, start_at, end_at,
			 category_id, bg_color, fg_color, target_value, data_type,
			 priority, is_exception, is_holiday, is_override, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (occurrence_key) DO UPDATE SET
			source = EXCLUDED.source,
			title = EXCLUDED.title,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			category_id = EXCLUDED.category_id,
			bg_color = EXCLUDED.bg_color,
			fg_color = EXCLUDED.fg_color,
			target_value = EXCLUDED.target_value,
			data_type = EXCLUDED.data_type,
			priority = EXCLUDED.priority,
			is_exception = EXCLUDED.is_exception,
			is_holiday = EXCLUDED.is_holiday,
			is_override = EXCLUDED.is_override,
			refreshed_at = NOW()
	`, occ.OccurrenceKey, occ.SeriesID, occ.Source, occ.Title, occ.Start, occ.End,
		occ.CategoryID, occ.BgColor, occ.FgColor, occ.TargetValue, occ.DataType,
		occ.Priority, occ.IsException, occ.IsHoliday, occ.IsOverride)
	return err
}

// deleteStaleRows removes cache rows for this series that ended before the
// horizon start, keeping the cache table from growing unbounded.
func (w *MaterializeSeriesWorker) deleteStaleRows(ctx context.Context, seriesID int64, before time.Time) error {
	_, err := w.dbPool.Exec(ctx, `
		DELETE FROM scheduler.resolved_occurrence_cache
		WHERE series_id = $1 AND end_at < $2
	`, seriesID, before)
	return err
}
