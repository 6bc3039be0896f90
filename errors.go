package main

import "fmt"

// InvalidRuleError indicates a series' RRULE string failed to parse or expand.
// It is non-fatal to the Resolver: the offending series is skipped and every
// other series continues to resolve normally.
type InvalidRuleError struct {
	SeriesID int64
	Reason   string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule for series %d: %s", e.SeriesID, e.Reason)
}

// InUseError is returned when an attempt is made to delete a category that is
// still referenced by at least one series, exception, or holiday entry.
type InUseError struct {
	Entity string
	Refs   []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s is still in use by %d reference(s): %v", e.Entity, len(e.Refs), e.Refs)
}

// SystemImmutableError is returned when an attempt is made to rename or
// delete a system category.
type SystemImmutableError struct {
	Entity string
}

func (e *SystemImmutableError) Error() string {
	return fmt.Sprintf("%s is a system entity and cannot be renamed or deleted", e.Entity)
}

// NotFoundError is returned when a referenced id is absent at read time.
type NotFoundError struct {
	Entity   string
	EntityID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.EntityID)
}

// ValidationError is returned when an invariant is violated on upsert.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// SinkTransientError wraps a recoverable ValueSink failure; it feeds the
// Scheduler Loop's retry policy.
type SinkTransientError struct {
	Err error
}

func (e *SinkTransientError) Error() string { return fmt.Sprintf("transient sink error: %v", e.Err) }
func (e *SinkTransientError) Unwrap() error { return e.Err }

// SinkFatalError wraps an unrecoverable ValueSink failure; it terminates
// retries for the occurrence that produced it.
type SinkFatalError struct {
	Err error
}

func (e *SinkFatalError) Error() string { return fmt.Sprintf("fatal sink error: %v", e.Err) }
func (e *SinkFatalError) Unwrap() error { return e.Err }
