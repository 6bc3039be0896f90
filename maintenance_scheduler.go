package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
)

// ============================================================================
// Maintenance Scheduler (Go Ticker + cron due-check)
//
// Checks two independent cron expressions every minute: one dues a cache
// materialization sweep, the other dues an rrule re-validation sweep.
// Materialization jobs are deduped via a direct River job insert with
// ON CONFLICT (kind, unique_key) WHERE unique_key IS NOT NULL DO NOTHING,
// so a missed or overlapping tick never double-queues a series. Neither
// duty feeds into the Scheduler Loop's correctness path.
// ============================================================================

// MaintenanceScheduler runs both maintenance duties on independent cron
// expressions, checked every minute by a single ticker.
type MaintenanceScheduler struct {
	dbPool             *pgxpool.Pool
	repo               Repository
	materializeCron    string // default: every 15 minutes
	revalidateCron     string // default: every hour
	materializeHorizon time.Duration

	lastMaterializeRun time.Time
	lastRevalidateRun  time.Time

	ticker *time.Ticker
	done   chan bool
}

// NewMaintenanceScheduler constructs a MaintenanceScheduler with sensible
// cron defaults matching SPEC_FULL.md §4.8.
func NewMaintenanceScheduler(dbPool *pgxpool.Pool, repo Repository) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		dbPool:             dbPool,
		repo:               repo,
		materializeCron:    "*/15 * * * *",
		revalidateCron:     "0 * * * *",
		materializeHorizon: 30 * 24 * time.Hour,
	}
}

// Start begins the maintenance goroutine, checking both cron expressions
// every minute.
func (m *MaintenanceScheduler) Start(ctx context.Context) {
	m.ticker = time.NewTicker(1 * time.Minute)
	m.done = make(chan bool)

	m.checkDue(ctx)

	go func() {
		for {
			select {
			case <-m.ticker.C:
				m.checkDue(ctx)
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Println("[MaintenanceScheduler] Started - checking cron schedules every minute")
}

// Stop gracefully shuts down the maintenance scheduler.
func (m *MaintenanceScheduler) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	if m.done != nil {
		m.done <- true
	}
	log.Println("[MaintenanceScheduler] Stopped")
}

func (m *MaintenanceScheduler) checkDue(ctx context.Context) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	now := time.Now()

	if m.isDue(parser, m.materializeCron, m.lastMaterializeRun, now) {
		m.enqueueMaterializeJobs(ctx, now)
		m.lastMaterializeRun = now
	}

	if m.isDue(parser, m.revalidateCron, m.lastRevalidateRun, now) {
		m.revalidateRules(ctx)
		m.lastRevalidateRun = now
	}
}

func (m *MaintenanceScheduler) isDue(parser cron.Parser, expr string, lastRun, now time.Time) bool {
	schedule, err := parser.Parse(expr)
	if err != nil {
		log.Printf("[MaintenanceScheduler] invalid cron expression %q: %v", expr, err)
		return false
	}

	baseTime := lastRun
	if baseTime.IsZero() {
		baseTime = now.Add(-24 * time.Hour)
	}

	return !schedule.Next(baseTime).After(now)
}

// enqueueMaterializeJobs inserts one MaterializeSeriesArgs job per enabled
// series, deduped by unique_key on (series_id, current date) so re-running
// within the same day never double-enqueues.
func (m *MaintenanceScheduler) enqueueMaterializeJobs(ctx context.Context, now time.Time) {
	series, err := m.repo.ListEnabledSeries(ctx)
	if err != nil {
		log.Printf("[MaintenanceScheduler] failed to list series for materialization: %v", err)
		return
	}

	until := now.Add(m.materializeHorizon)
	queued := 0
	for _, s := range series {
		uniqueKey := fmt.Sprintf("materialize:%d:%s", s.ID, now.Format("2006-01-02"))
		_, err := m.dbPool.Exec(ctx, `
			INSERT INTO river_job (state, queue, kind, args, priority, max_attempts, scheduled_at, unique_key)
			VALUES ('available', 'materializer', 'materialize_series', $1, 3, 5, NOW(), $2)
			ON CONFLICT (kind, unique_key) WHERE unique_key IS NOT NULL DO NOTHING
		`, materializeArgsJSON(s.ID, until), uniqueKey)
		if err != nil {
			log.Printf("[MaintenanceScheduler] failed to enqueue materialize job for series %d: %v", s.ID, err)
			continue
		}
		queued++
	}
	log.Printf("[MaintenanceScheduler] enqueued %d materialize jobs", queued)
}

func materializeArgsJSON(seriesID int64, until time.Time) []byte {
	return []byte(fmt.Sprintf(`{"series_id":%d,"materialize_until":%q}`, seriesID, until.Format(time.RFC3339)))
}

// revalidateRules re-parses every enabled series' rrule_str so an
// InvalidRule series surfaces in logs well before a live resolution call
// would hit it.
func (m *MaintenanceScheduler) revalidateRules(ctx context.Context) {
	series, err := m.repo.ListEnabledSeries(ctx)
	if err != nil {
		log.Printf("[MaintenanceScheduler] failed to list series for revalidation: %v", err)
		return
	}

	invalid := 0
	for _, s := range series {
		if _, err := ParseRule(s.RRuleStr); err != nil {
			log.Printf("[MaintenanceScheduler] series %d has invalid rule %q: %v", s.ID, s.RRuleStr, err)
			invalid++
		}
	}
	log.Printf("[MaintenanceScheduler] revalidated %d series, %d invalid", len(series), invalid)
}
