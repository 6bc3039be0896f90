package main

import (
	"context"
	"time"
)

// ============================================================================
// Data Model
//
// Value records mirroring the persisted entities. All times are naive
// wall-clock instants with minute precision unless noted. The Repository
// owns these records exclusively; the Resolver only ever holds immutable
// snapshots taken for the duration of a single resolution call.
// ============================================================================

// DataType is the typed hint attached to a Series' target value. The sink
// probes the actual type at write time using this hint.
type DataType string

const (
	DataTypeAuto   DataType = "auto"
	DataTypeInt    DataType = "int"
	DataTypeFloat  DataType = "float"
	DataTypeString DataType = "string"
	DataTypeBool   DataType = "bool"
)

// Series is a repeating task definition: an RRULE plus the wire target it
// drives and the metadata that governs how it is displayed and merged.
type Series struct {
	ID            int64
	TaskName      string
	Endpoint      string
	NodeID        string
	TargetValue   string
	DataType      DataType
	RRuleStr      string
	CategoryID    int64
	Priority      int
	Enabled       bool
	CredentialRef string // opaque to the core; passed through to the sink
}

// ExceptionAction is the action an Exception applies to its matching
// occurrences.
type ExceptionAction string

const (
	ExceptionCancel   ExceptionAction = "cancel"
	ExceptionOverride ExceptionAction = "override"
)

// Exception is a per-date cancel/override record attached to a series.
type Exception struct {
	ID                  int64
	SeriesID            int64
	OccurrenceDate      time.Time // date-only; time-of-day is ignored
	Action              ExceptionAction
	OverrideStart       *time.Time
	OverrideEnd         *time.Time
	OverrideTaskName    string
	OverrideTargetValue string
	OverrideCategoryID  *int64
	Note                string
}

// HolidayCalendar groups holiday entries; at most one calendar is default,
// and only the default calendar feeds the Resolver.
type HolidayCalendar struct {
	ID          int64
	Name        string
	Description string
	IsDefault   bool
}

// HolidayEntry rewrites category/value for occurrences on a given date,
// either for the full day or for a bounded time window.
type HolidayEntry struct {
	ID                  int64
	CalendarID          int64
	Date                time.Time // date-only
	Name                string
	IsFullDay           bool
	StartTime           *time.Time
	EndTime             *time.Time
	OverrideCategoryID  *int64
	OverrideTargetValue *string
}

// Category is a named (background, foreground) colour pair.
type Category struct {
	ID        int64
	Name      string
	BgColor   string
	FgColor   string
	SortOrder int
	IsSystem  bool
}

// GeneralSettings is the single-row process configuration.
type GeneralSettings struct {
	ProfileName     string
	EnableSchedule  bool
	ScanRate        time.Duration
	RefreshRate     time.Duration
	UseActivePeriod bool
	ActiveFrom      *time.Time
	ActiveTo        *time.Time
	OutputType      string
	RefreshOutput   bool
	GenerateEvents  bool
}

// RuntimeOverride is the single-row, process-wide forced value.
type RuntimeOverride struct {
	OverrideValue string
	OverrideUntil *time.Time // nil means permanent until cleared
}

// OccurrenceSource identifies which merge layer produced a ResolvedOccurrence.
type OccurrenceSource string

const (
	SourceWeekly    OccurrenceSource = "weekly"
	SourceHoliday   OccurrenceSource = "holiday"
	SourceException OccurrenceSource = "exception"
	SourceOverride  OccurrenceSource = "override"
)

// ResolvedOccurrence is a computed, ephemeral value: produced by the
// Resolver, consumed by callers, never persisted by the core itself.
type ResolvedOccurrence struct {
	SeriesID      int64
	Source        OccurrenceSource
	Title         string
	Start         time.Time
	End           time.Time
	CategoryID    int64
	BgColor       string
	FgColor       string
	Endpoint      string
	NodeID        string
	TargetValue   string
	DataType      DataType
	Priority      int
	IsException   bool
	IsHoliday     bool
	IsOverride    bool
	SingleShot    bool
	OccurrenceKey string
}

// RepositorySnapshot is the consistent, read-only view the Resolver merges
// for a single resolution call.
type RepositorySnapshot struct {
	Series             []Series
	ExceptionsBySeries map[int64]map[string]Exception // keyed by series id -> "YYYY-MM-DD"
	HolidayByDate      map[string]HolidayEntry        // keyed by "YYYY-MM-DD", default calendar only
	Categories         map[int64]Category
	RuntimeOverride    *RuntimeOverride
}

// Repository is the read-side contract the Resolver depends on. Every read
// is a consistent snapshot; the implementation must not let a caller
// observe a write-in-progress half-state.
type Repository interface {
	// Snapshot returns a consistent view of everything the Resolver needs
	// to merge occurrences over [from, to): enabled series, exceptions and
	// holiday entries touching that window, all categories, and the
	// current runtime override.
	Snapshot(ctx context.Context, from, to time.Time) (*RepositorySnapshot, error)

	ListEnabledSeries(ctx context.Context) ([]Series, error)
	UpsertSeries(ctx context.Context, s *Series) error
	DeleteSeries(ctx context.Context, id int64) error

	ListExceptions(ctx context.Context, seriesID int64, from, to time.Time) ([]Exception, error)
	UpsertException(ctx context.Context, e *Exception) error
	DeleteException(ctx context.Context, id int64) error

	ListHolidayCalendars(ctx context.Context) ([]HolidayCalendar, error)
	ListHolidayEntries(ctx context.Context, calendarID int64, from, to time.Time) ([]HolidayEntry, error)

	ListCategories(ctx context.Context) ([]Category, error)
	GetCategory(ctx context.Context, id int64) (*Category, error)
	UpsertCategory(ctx context.Context, c *Category) error
	DeleteCategory(ctx context.Context, id int64) error

	GetGeneralSettings(ctx context.Context) (*GeneralSettings, error)
	PutGeneralSettings(ctx context.Context, s *GeneralSettings) error

	GetRuntimeOverride(ctx context.Context) (*RuntimeOverride, error)
	PutRuntimeOverride(ctx context.Context, o *RuntimeOverride) error
	ClearRuntimeOverride(ctx context.Context) error
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
