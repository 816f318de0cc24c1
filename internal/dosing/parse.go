// Package dosing derives medication schedules from clinician free text.
// Parsing is a narrow pattern match over the source locale (French); it does not
// normalize or interpret text that falls outside the recognized shapes.
package dosing

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

var (
	frequencyPattern = regexp.MustCompile(`(\d+) fois par jour`)

	dayPattern   = regexp.MustCompile(`(\d+) jour`)
	weekPattern  = regexp.MustCompile(`(\d+) semaine`)
	monthPattern = regexp.MustCompile(`(\d+) mois`)
)

// DaysPerMonth is the calendar-month approximation used for "<N> mois".
const DaysPerMonth = 30

// Upper bounds on parsed counts. Larger values are rejected on write and never
// expanded into a schedule.
const (
	MaxDosesPerDay  = 24
	MaxDurationDays = 3650
)

// ErrOutOfRange reports a dose count or treatment length beyond the bounds.
var ErrOutOfRange = errors.New("value out of range")

// durationUnits are tried in order; the first match wins.
var durationUnits = []struct {
	pattern *regexp.Regexp
	days    int
}{
	{dayPattern, 1},
	{weekPattern, 7},
	{monthPattern, DaysPerMonth},
}

// ParseFrequency extracts the number of doses per day from text such as
// "3 fois par jour". It reports false when the pattern is absent.
func ParseFrequency(text string) (int, bool) {
	return firstInt(frequencyPattern, text)
}

// ParseDurationDays extracts a treatment length in days from text such as
// "10 jours", "2 semaines" or "1 mois". It reports false when no unit matches
// or the length exceeds MaxDurationDays.
func ParseDurationDays(text string) (int, bool) {
	n, unit, ok := parseDuration(text)
	if !ok || n > MaxDurationDays/unit {
		return 0, false
	}
	return n * unit, true
}

// CheckBounds rejects frequency or duration text whose counts parse but exceed
// MaxDosesPerDay or MaxDurationDays. Text that does not parse is not an error.
func CheckBounds(frequencyText, durationText string) error {
	if n, ok := ParseFrequency(frequencyText); ok && n > MaxDosesPerDay {
		return fmt.Errorf("%w: %d doses per day exceeds %d", ErrOutOfRange, n, MaxDosesPerDay)
	}
	if n, unit, ok := parseDuration(durationText); ok && n > MaxDurationDays/unit {
		return fmt.Errorf("%w: duration %q exceeds %d days", ErrOutOfRange, durationText, MaxDurationDays)
	}
	return nil
}

// parseDuration returns the raw count and the day length of its unit.
func parseDuration(text string) (n, unit int, ok bool) {
	for _, u := range durationUnits {
		if n, ok := firstInt(u.pattern, text); ok {
			return n, u.days, true
		}
	}
	return 0, 0, false
}

func firstInt(re *regexp.Regexp, text string) (int, bool) {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if errors.Is(err, strconv.ErrRange) {
		// saturate so the bounds check rejects it
		return math.MaxInt, true
	}
	if err != nil {
		return 0, false
	}
	return n, true
}
