package main

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ============================================================================
// Recurrence Engine
//
// Parses the semicolon-separated KEY=VALUE rule grammar described in the
// spec (a superset of iCalendar RRULE plus a non-standard DURATION token)
// and expands it into concrete occurrence intervals. The custom grammar and
// its defaults are parsed by hand; the heavy enumeration math (BYSETPOS
// positional selection, BYMONTHDAY/BYMONTH filtering, COUNT/UNTIL bounding,
// interval striding) is delegated to rrule-go, the same library the teacher
// uses for its own RRULE expansion.
// ============================================================================

// ErrInvalidRule is the sentinel wrapped by every rule parse/expansion
// failure. Use errors.Is(err, ErrInvalidRule) to detect it.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

var durationPattern = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?$`)

const timestampLayout = "20060102T150405"

// weekdayTokens maps the iCalendar two-letter day tokens onto stdlib
// time.Weekday; the rrule-go Weekday type is only constructed at Expand
// time, keeping the parsed Rule free of library-internal representations.
var weekdayTokens = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// Rule is the fully-resolved form of a parsed rule string: every default has
// already been applied, so re-parsing its Serialize() output is idempotent
// regardless of wall-clock time.
type Rule struct {
	Freq       rrule.Frequency
	Interval   int
	ByDay      []time.Weekday
	ByMonthDay int // 0 means unset
	ByMonth    int // 0 means unset
	BySetPos   int // 0 means unset
	ByHour     int
	ByMinute   int
	Count      int       // 0 means unlimited
	Until      time.Time // zero means unlimited
	Dtstart    time.Time
	Duration   time.Duration
}

// SingleShot reports whether the rule's nominal duration is zero, i.e. the
// event fails fast with no retry rather than staying live for a window.
func (r *Rule) SingleShot() bool {
	return r.Duration == 0
}

// Occurrence is a single expanded (start, end) interval produced by Expand.
// Start is clipped to the query window's lower bound when the occurrence's
// nominal start falls before it (a cross-midnight occurrence queried on its
// second day); OrigStart always holds the unclipped nominal start, which is
// what OccurrenceKey must be derived from so the same occurrence keeps one
// identity across every window it is queried in.
type Occurrence struct {
	Start     time.Time
	End       time.Time
	OrigStart time.Time
}

// ParseRule parses a rule string using the current wall-clock time to
// resolve the "nearest future hour" BYHOUR default and the "today" DTSTART
// default.
func ParseRule(ruleStr string) (*Rule, error) {
	return parseRule(ruleStr, time.Now())
}

// parseRule is the clock-injectable core of ParseRule, split out for
// deterministic tests.
func parseRule(ruleStr string, now time.Time) (*Rule, error) {
	// All times in this engine are naive wall-clock instants in a single
	// implicit zone (spec non-goal: no multi-timezone computation), so every
	// instant is normalized to UTC to keep parsing and round-tripping
	// independent of the caller's local zone.
	now = now.UTC()

	tokens, dtstartRaw, err := tokenize(ruleStr)
	if err != nil {
		return nil, err
	}

	rule := &Rule{Interval: 1}

	// FREQ
	freqStr, ok := tokens["FREQ"]
	if !ok {
		freqStr = "DAILY"
	}
	switch freqStr {
	case "DAILY":
		rule.Freq = rrule.DAILY
	case "WEEKLY":
		rule.Freq = rrule.WEEKLY
	case "MONTHLY":
		rule.Freq = rrule.MONTHLY
	case "YEARLY":
		rule.Freq = rrule.YEARLY
	default:
		return nil, invalidRule("unrecognized FREQ value %q", freqStr)
	}

	// INTERVAL
	if v, ok := tokens["INTERVAL"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, invalidRule("INTERVAL must be a positive integer, got %q", v)
		}
		rule.Interval = n
	}

	// BYDAY
	if v, ok := tokens["BYDAY"]; ok {
		days, err := parseByDay(v)
		if err != nil {
			return nil, err
		}
		rule.ByDay = days
	} else {
		rule.ByDay = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}

	// BYMONTH (parse before BYMONTHDAY default, no ordering dependency)
	if v, ok := tokens["BYMONTH"]; ok {
		n, err := parseRangedInt(v, 1, 12, "BYMONTH")
		if err != nil {
			return nil, err
		}
		rule.ByMonth = n
	}

	// BYMONTHDAY (the day-1 default is skipped when BYSETPOS selects a
	// position within the BYDAY set instead)
	_, hasSetPos := tokens["BYSETPOS"]
	if v, ok := tokens["BYMONTHDAY"]; ok {
		n, err := parseRangedInt(v, 1, 31, "BYMONTHDAY")
		if err != nil {
			return nil, err
		}
		rule.ByMonthDay = n
	} else if (rule.Freq == rrule.MONTHLY || rule.Freq == rrule.YEARLY) && !hasSetPos {
		rule.ByMonthDay = 1
	}

	// BYSETPOS
	if v, ok := tokens["BYSETPOS"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n == 0 {
			return nil, invalidRule("BYSETPOS must be a non-zero integer, got %q", v)
		}
		rule.BySetPos = n
	}

	// BYHOUR (default: nearest future hour at parse time)
	if v, ok := tokens["BYHOUR"]; ok {
		n, err := parseRangedInt(v, 0, 23, "BYHOUR")
		if err != nil {
			return nil, err
		}
		rule.ByHour = n
	} else {
		rule.ByHour = nearestFutureHour(now)
	}

	// BYMINUTE
	if v, ok := tokens["BYMINUTE"]; ok {
		n, err := parseRangedInt(v, 0, 59, "BYMINUTE")
		if err != nil {
			return nil, err
		}
		rule.ByMinute = n
	}

	// COUNT
	if v, ok := tokens["COUNT"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, invalidRule("COUNT must be a positive integer, got %q", v)
		}
		rule.Count = n
	}

	// UNTIL
	if v, ok := tokens["UNTIL"]; ok {
		t, err := time.Parse(timestampLayout, v)
		if err != nil {
			return nil, invalidRule("UNTIL is not a valid timestamp %q: %v", v, err)
		}
		rule.Until = t
	}

	// DTSTART
	if dtstartRaw != "" {
		t, err := time.Parse(timestampLayout, dtstartRaw)
		if err != nil {
			return nil, invalidRule("DTSTART is not a valid timestamp %q: %v", dtstartRaw, err)
		}
		rule.Dtstart = t
	} else {
		today := now
		rule.Dtstart = time.Date(today.Year(), today.Month(), today.Day(), rule.ByHour, rule.ByMinute, 0, 0, today.Location())
	}

	// DURATION
	if v, ok := tokens["DURATION"]; ok {
		d, err := parseDuration(v)
		if err != nil {
			return nil, err
		}
		rule.Duration = d
	}

	return rule, nil
}

// tokenize splits a rule string on ';' into a KEY->VALUE map, pulling the
// single DTSTART:<timestamp> token (colon-separated, not '=') out
// separately. Unknown keys are retained in the map and simply never
// consulted by the caller, matching the spec's "unknown keys are silently
// ignored."
func tokenize(ruleStr string) (map[string]string, string, error) {
	tokens := make(map[string]string)
	dtstart := ""

	for _, raw := range strings.Split(ruleStr, ";") {
		part := strings.TrimSpace(raw)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "DTSTART:") {
			dtstart = strings.TrimPrefix(part, "DTSTART:")
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, "", invalidRule("malformed token %q", part)
		}
		tokens[strings.ToUpper(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
	}

	return tokens, dtstart, nil
}

func parseByDay(v string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, tok := range strings.Split(v, ",") {
		tok = strings.TrimSpace(strings.ToUpper(tok))
		wd, ok := weekdayTokens[tok]
		if !ok {
			return nil, invalidRule("unrecognized BYDAY value %q", tok)
		}
		days = append(days, wd)
	}
	if len(days) == 0 {
		return nil, invalidRule("BYDAY has no recognizable values")
	}
	return days, nil
}

func parseRangedInt(v string, min, max int, field string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0, invalidRule("%s must be between %d and %d, got %q", field, min, max, v)
	}
	return n, nil
}

// nearestFutureHour returns the next hour boundary strictly after now,
// unless now already sits exactly on the hour.
func nearestFutureHour(now time.Time) int {
	if now.Minute() == 0 && now.Second() == 0 && now.Nanosecond() == 0 {
		return now.Hour()
	}
	return (now.Hour() + 1) % 24
}

// parseDuration parses the non-standard PT[<n>H][<n>M] token. PT0M is the
// explicit instantaneous marker.
func parseDuration(v string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(v)
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, invalidRule("DURATION must look like PT[<n>H][<n>M], got %q", v)
	}

	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		min, _ := strconv.Atoi(m[2])
		d += time.Duration(min) * time.Minute
	}
	return d, nil
}

func invalidRule(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Expand returns every (start, end) pair overlapping [from, to), strictly
// increasing in start. Zero-duration occurrences have their end lifted to
// one minute past start for drawing/scheduling purposes but remain
// single-shot per Rule.SingleShot. An occurrence whose nominal start falls
// before from but whose end still falls after from (a cross-midnight
// occurrence queried on the day it ends) is included with Start clipped to
// from; OrigStart retains the unclipped nominal start.
func (r *Rule) Expand(from, to time.Time) ([]Occurrence, error) {
	opt := rrule.ROption{
		Freq:     r.Freq,
		Dtstart:  r.Dtstart,
		Interval: r.Interval,
		Byhour:   []int{r.ByHour},
		Byminute: []int{r.ByMinute},
	}
	if len(r.ByDay) > 0 {
		byweekday := make([]rrule.Weekday, len(r.ByDay))
		for i, wd := range r.ByDay {
			byweekday[i] = rruleWeekdays[wd]
		}
		opt.Byweekday = byweekday
	}
	if r.ByMonthDay != 0 {
		opt.Bymonthday = []int{r.ByMonthDay}
	}
	if r.ByMonth != 0 {
		opt.Bymonth = []int{r.ByMonth}
	}
	if r.BySetPos != 0 {
		opt.Bysetpos = []int{r.BySetPos}
	}
	if r.Count != 0 {
		opt.Count = r.Count
	}
	if !r.Until.IsZero() {
		opt.Until = r.Until
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, invalidRule("rrule-go rejected options: %v", err)
	}

	width := r.Duration
	if width <= 0 {
		width = time.Minute
	}

	// Look back far enough that an occurrence which started before from but
	// whose interval still reaches into [from, to) is not missed entirely.
	starts := rule.Between(from.Add(-width), to, true)

	occurrences := make([]Occurrence, 0, len(starts))
	for _, start := range starts {
		if !start.Before(to) {
			continue
		}
		end := start.Add(width)
		if !end.After(from) {
			continue // entirely before the window, even after the look-back
		}

		occ := Occurrence{Start: start, End: end, OrigStart: start}
		if start.Before(from) {
			occ.Start = from
		}
		occurrences = append(occurrences, occ)
	}
	return occurrences, nil
}

// Serialize reconstructs a canonical rule string from the resolved fields.
// Because every default has already been resolved, re-parsing the result is
// idempotent: parse(serialize(parse(s))) == parse(s).
func (r *Rule) Serialize() string {
	var b strings.Builder

	fmt.Fprintf(&b, "FREQ=%s", freqName(r.Freq))
	fmt.Fprintf(&b, ";INTERVAL=%d", r.Interval)

	if len(r.ByDay) > 0 {
		names := make([]string, len(r.ByDay))
		for i, wd := range r.ByDay {
			names[i] = weekdayName(wd)
		}
		fmt.Fprintf(&b, ";BYDAY=%s", strings.Join(names, ","))
	}
	if r.ByMonthDay != 0 {
		fmt.Fprintf(&b, ";BYMONTHDAY=%d", r.ByMonthDay)
	}
	if r.ByMonth != 0 {
		fmt.Fprintf(&b, ";BYMONTH=%d", r.ByMonth)
	}
	if r.BySetPos != 0 {
		fmt.Fprintf(&b, ";BYSETPOS=%d", r.BySetPos)
	}
	fmt.Fprintf(&b, ";BYHOUR=%d;BYMINUTE=%d", r.ByHour, r.ByMinute)
	if r.Count != 0 {
		fmt.Fprintf(&b, ";COUNT=%d", r.Count)
	}
	if !r.Until.IsZero() {
		fmt.Fprintf(&b, ";UNTIL=%s", r.Until.Format(timestampLayout))
	}
	fmt.Fprintf(&b, ";DTSTART:%s", r.Dtstart.Format(timestampLayout))
	fmt.Fprintf(&b, ";DURATION=%s", serializeDuration(r.Duration))

	return b.String()
}

func freqName(f rrule.Frequency) string {
	switch f {
	case rrule.DAILY:
		return "DAILY"
	case rrule.WEEKLY:
		return "WEEKLY"
	case rrule.MONTHLY:
		return "MONTHLY"
	case rrule.YEARLY:
		return "YEARLY"
	default:
		return "DAILY"
	}
}

func weekdayName(wd time.Weekday) string {
	for name, candidate := range weekdayTokens {
		if candidate == wd {
			return name
		}
	}
	return "MO"
}

func serializeDuration(d time.Duration) string {
	if d <= 0 {
		return "PT0M"
	}
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	var b strings.Builder
	b.WriteString("PT")
	if hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
	}
	if minutes > 0 || hours == 0 {
		fmt.Fprintf(&b, "%dM", minutes)
	}
	return b.String()
}
