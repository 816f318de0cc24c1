package dosing

import "time"

// Reason explains why a schedule cannot be derived.
type Reason string

const (
	ReasonMissingStartDate    Reason = "missing_start_date"
	ReasonUnparseableDuration Reason = "unparseable_duration"
	ReasonUnparseableFreq     Reason = "unparseable_frequency"
	ReasonDurationOutOfRange  Reason = "duration_out_of_range"
	ReasonFrequencyOutOfRange Reason = "frequency_out_of_range"
)

// Schedule is the derived view of a medication's dosing plan. When Computable is
// false, EndDate and DosingTimes are unset and Reasons lists what is missing, so
// callers show an explicit "cannot compute" state instead of a wrong date.
type Schedule struct {
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	DurationDays *int       `json:"duration_days,omitempty"`
	DosesPerDay  *int       `json:"doses_per_day,omitempty"`
	DosingTimes  []string   `json:"dosing_times"`
	Computable   bool       `json:"computable"`
	Reasons      []Reason   `json:"reasons,omitempty"`
}

// Preview derives the schedule for the given inputs without side effects.
func Preview(start time.Time, frequencyText, durationText string) Schedule {
	s := Schedule{DosingTimes: []string{}}

	if !start.IsZero() {
		d := Truncate(start)
		s.StartDate = &d
	} else {
		s.Reasons = append(s.Reasons, ReasonMissingStartDate)
	}

	if days, ok := ParseDurationDays(durationText); ok {
		s.DurationDays = &days
	} else if _, _, parsed := parseDuration(durationText); parsed {
		s.Reasons = append(s.Reasons, ReasonDurationOutOfRange)
	} else {
		s.Reasons = append(s.Reasons, ReasonUnparseableDuration)
	}

	n, ok := ParseFrequency(frequencyText)
	switch {
	case ok && n > MaxDosesPerDay:
		s.Reasons = append(s.Reasons, ReasonFrequencyOutOfRange)
	case ok && n > 0:
		s.DosesPerDay = &n
		s.DosingTimes = ComputeDosingTimes(frequencyText)
	default:
		s.Reasons = append(s.Reasons, ReasonUnparseableFreq)
	}

	if end, ok := ComputeEndDate(start, durationText); ok {
		s.EndDate = &end
	}

	s.Computable = len(s.Reasons) == 0
	return s
}
