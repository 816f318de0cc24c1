package dosing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Dosing window: first dose at 08:00, doses spread over the 12 hours up to 20:00.
const (
	FirstDoseHour = 8
	WindowHours   = 12
)

// ParseDate parses a YYYY-MM-DD calendar date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// FormatDate formats a calendar date as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}

// Truncate drops the clock part of t, keeping its calendar date as midnight UTC.
func Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ComputeEndDate returns start + duration - 1 days (inclusive range: a one-day
// treatment starts and ends on the same date). It reports false when start is
// zero or the duration text is unparseable.
func ComputeEndDate(start time.Time, durationText string) (time.Time, bool) {
	if start.IsZero() {
		return time.Time{}, false
	}
	days, ok := ParseDurationDays(durationText)
	if !ok {
		return time.Time{}, false
	}
	return Truncate(start).AddDate(0, 0, days-1), true
}

// ComputeDosingTimes spreads the parsed dose count over the dosing window,
// starting at 08:00 and spaced floor(12/n) hours apart. Counts that do not
// divide 12 evenly yield compressed spacing. An unparseable or zero count, or
// one above MaxDosesPerDay, yields no times.
func ComputeDosingTimes(frequencyText string) []string {
	n, ok := ParseFrequency(frequencyText)
	if !ok || n <= 0 || n > MaxDosesPerDay {
		return []string{}
	}

	interval := WindowHours / n
	times := make([]string, 0, n)
	for i := 0; i < n; i++ {
		times = append(times, fmt.Sprintf("%02d:00", FirstDoseHour+i*interval))
	}
	return times
}

// Days enumerates the calendar dates from start to end inclusive.
// It returns nil when end is before start.
func Days(start, end time.Time) []time.Time {
	start, end = Truncate(start), Truncate(end)
	if end.Before(start) {
		return nil
	}
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// CombineDateTime places an "HH:MM" dosing time on a calendar date in loc.
func CombineDateTime(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	h, m, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := date.Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc), nil
}
