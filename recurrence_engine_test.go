package main

import (
	"errors"
	"testing"
	"time"
)

// ----------------------------------------------------------------------------
// parseRule / Expand Tests
// ----------------------------------------------------------------------------

func TestExpand_WeekdayMorningSeries(t *testing.T) {
	rule, err := ParseRule("FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR;BYHOUR=9;BYMINUTE=0;DTSTART:20260216T090000;DURATION=PT1H")
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}

	from := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC)

	occurrences, err := rule.Expand(from, to)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}

	if len(occurrences) != 5 {
		t.Fatalf("expected 5 occurrences, got %d", len(occurrences))
	}

	expected := []string{"2026-02-16", "2026-02-17", "2026-02-18", "2026-02-19", "2026-02-20"}
	for i, occ := range occurrences {
		if got := occ.Start.Format("2006-01-02"); got != expected[i] {
			t.Errorf("occurrence %d: got date %s, want %s", i, got, expected[i])
		}
		if occ.Start.Hour() != 9 || occ.Start.Minute() != 0 {
			t.Errorf("occurrence %d: expected 09:00 start, got %s", i, occ.Start.Format("15:04"))
		}
		if got := occ.End.Sub(occ.Start); got != time.Hour {
			t.Errorf("occurrence %d: expected 1h width, got %v", i, got)
		}
	}
}

func TestExpand_CountFromDtstartNotWindowStart(t *testing.T) {
	rule, err := ParseRule("FREQ=WEEKLY;BYDAY=MO;BYHOUR=10;COUNT=4;DTSTART:20260105T100000")
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}

	// Window starts after the first two occurrences (Jan 5 and Jan 12) would
	// have happened; COUNT should still be evaluated against the full series
	// from DTSTART, leaving only Jan 19 and Jan 26 inside the window.
	from := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	occurrences, err := rule.Expand(from, to)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(occurrences) != 2 {
		t.Fatalf("expected 2 occurrences, got %d", len(occurrences))
	}
}

func TestExpand_ZeroDurationLiftedButSingleShot(t *testing.T) {
	rule, err := ParseRule("FREQ=DAILY;BYDAY=SU;BYHOUR=8;COUNT=1;DTSTART:20260301T080000;DURATION=PT0M")
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}

	if !rule.SingleShot() {
		t.Fatalf("expected rule to be single-shot")
	}

	occurrences, err := rule.Expand(
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(occurrences) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(occurrences))
	}
	if got := occurrences[0].End.Sub(occurrences[0].Start); got != time.Minute {
		t.Errorf("expected zero-duration occurrence lifted to 1 minute, got %v", got)
	}
}

func TestExpand_BySetPosLastWeekdayOfMonth(t *testing.T) {
	rule, err := ParseRule("FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-1;DTSTART:20260101T170000;DURATION=PT30M")
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}

	occurrences, err := rule.Expand(
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(occurrences) != 3 {
		t.Fatalf("expected 3 occurrences (one per month), got %d", len(occurrences))
	}
	// January 2026's last weekday is Friday the 30th.
	if got := occurrences[0].Start.Format("2006-01-02"); got != "2026-01-30" {
		t.Errorf("expected last weekday of January to be 2026-01-30, got %s", got)
	}
}

func TestParseRule_Defaults(t *testing.T) {
	now := time.Date(2026, 6, 15, 14, 37, 0, 0, time.UTC)
	rule, err := parseRule("FREQ=DAILY", now)
	if err != nil {
		t.Fatalf("parseRule failed: %v", err)
	}

	if rule.Interval != 1 {
		t.Errorf("expected default INTERVAL=1, got %d", rule.Interval)
	}
	if len(rule.ByDay) != 5 {
		t.Errorf("expected default BYDAY to be Mon-Fri, got %v", rule.ByDay)
	}
	if rule.ByHour != 15 {
		t.Errorf("expected nearest future hour 15 for 14:37, got %d", rule.ByHour)
	}
	if rule.ByMinute != 0 {
		t.Errorf("expected default BYMINUTE=0, got %d", rule.ByMinute)
	}
	if rule.Dtstart.Format("2006-01-02") != "2026-06-15" {
		t.Errorf("expected default DTSTART to be today, got %s", rule.Dtstart.Format("2006-01-02"))
	}
	if rule.Duration != 0 {
		t.Errorf("expected default DURATION=PT0M, got %v", rule.Duration)
	}
}

func TestParseRule_InvalidRule(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{"bad freq", "FREQ=FORTNIGHTLY"},
		{"bad interval", "FREQ=DAILY;INTERVAL=0"},
		{"bad byday", "FREQ=WEEKLY;BYDAY=FUNDAY"},
		{"bad bysetpos", "FREQ=MONTHLY;BYSETPOS=0"},
		{"bad duration", "FREQ=DAILY;DURATION=1H"},
		{"malformed token", "FREQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRule(tt.rule)
			if err == nil {
				t.Fatalf("expected error for rule %q", tt.rule)
			}
			if !errors.Is(err, ErrInvalidRule) {
				t.Errorf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
}

func TestParseRule_UnknownKeysIgnored(t *testing.T) {
	_, err := ParseRule("FREQ=DAILY;FOOBAR=123;DTSTART:20260101T090000")
	if err != nil {
		t.Fatalf("unknown keys should be silently ignored, got error: %v", err)
	}
}

func TestRuleRoundTrip(t *testing.T) {
	rules := []string{
		"FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR;BYHOUR=9;BYMINUTE=0;DTSTART:20260214T090000;DURATION=PT1H",
		"FREQ=MONTHLY;BYMONTHDAY=15;BYHOUR=6;BYMINUTE=30;COUNT=12;DTSTART:20260101T063000;DURATION=PT2H",
		"FREQ=YEARLY;BYMONTH=12;BYMONTHDAY=25;DTSTART:20260101T000000",
	}

	for _, s := range rules {
		t.Run(s, func(t *testing.T) {
			first, err := ParseRule(s)
			if err != nil {
				t.Fatalf("first parse failed: %v", err)
			}

			serialized := first.Serialize()

			second, err := ParseRule(serialized)
			if err != nil {
				t.Fatalf("second parse failed on %q: %v", serialized, err)
			}

			if !first.Dtstart.Equal(second.Dtstart) {
				t.Errorf("Dtstart mismatch: %v != %v", first.Dtstart, second.Dtstart)
			}
			if first.Freq != second.Freq || first.Interval != second.Interval {
				t.Errorf("Freq/Interval mismatch")
			}
			if first.ByHour != second.ByHour || first.ByMinute != second.ByMinute {
				t.Errorf("ByHour/ByMinute mismatch")
			}
			if first.Duration != second.Duration {
				t.Errorf("Duration mismatch: %v != %v", first.Duration, second.Duration)
			}
			if len(first.ByDay) != len(second.ByDay) {
				t.Errorf("ByDay length mismatch: %v != %v", first.ByDay, second.ByDay)
			}
		})
	}
}
