package availability

import (
	"time"

	"slotcal/internal/interval"
	"slotcal/internal/model"
)

// Origin names what produced a candidate window.
type Origin string

const (
	OriginWeekly    Origin = "weekly"
	OriginException Origin = "exception"
)

// Constraints travel with each candidate window so that windows from
// different rules keep their own lead time, booking window, minimum
// duration and buffers. The struct is comparable; equal tags may merge.
type Constraints struct {
	SourceID  string
	SubjectID string
	Origin    Origin
	TimeZone  string

	LeadTimeMinutes      int
	BookingWindowMinutes int
	MinDurationMinutes   int
	BufferBeforeMinutes  int
	BufferAfterMinutes   int
}

// Candidate is an availability window tagged with its constraints.
type Candidate = interval.Interval[Constraints]

// Busy is a busy block tagged with its origin.
type Busy = interval.Interval[interval.Tags]

func (c Constraints) LeadTime() time.Duration {
	return minutes(c.LeadTimeMinutes)
}

func (c Constraints) BookingWindow() time.Duration {
	return minutes(c.BookingWindowMinutes)
}

func (c Constraints) BufferBefore() time.Duration {
	return minutes(c.BufferBeforeMinutes)
}

func (c Constraints) BufferAfter() time.Duration {
	return minutes(c.BufferAfterMinutes)
}

// Defaults are the constraint values used by "available" exceptions that
// have no matching weekly rule.
type Defaults struct {
	MinDurationMinutes   int `yaml:"min_duration_minutes" json:"min_duration_minutes"`
	LeadTimeMinutes      int `yaml:"lead_time_minutes" json:"lead_time_minutes"`
	BookingWindowMinutes int `yaml:"booking_window_minutes" json:"booking_window_minutes"`
	BufferBeforeMinutes  int `yaml:"buffer_before_minutes" json:"buffer_before_minutes"`
	BufferAfterMinutes   int `yaml:"buffer_after_minutes" json:"buffer_after_minutes"`
}

// DefaultRoleDefaults: one hour minimum, one day notice, sixty days ahead.
func DefaultRoleDefaults() Defaults {
	return Defaults{
		MinDurationMinutes:   60,
		LeadTimeMinutes:      24 * 60,
		BookingWindowMinutes: 60 * 24 * 60,
	}
}

func ruleConstraints(r model.WeeklyRule) Constraints {
	return Constraints{
		SourceID:             r.RuleID,
		SubjectID:            r.SubjectID,
		Origin:               OriginWeekly,
		TimeZone:             r.TimeZone,
		LeadTimeMinutes:      nonNegative(r.LeadTimeMinutes),
		BookingWindowMinutes: nonNegative(r.BookingWindowMinutes),
		MinDurationMinutes:   nonNegative(r.MinDurationMinutes),
		BufferBeforeMinutes:  nonNegative(r.BufferBeforeMinutes),
		BufferAfterMinutes:   nonNegative(r.BufferAfterMinutes),
	}
}

type roleKey struct {
	subject, role, zone string
}

// roleDefaults folds the active rules of each (subject, role, zone) into
// the most permissive combination: shortest minimum duration and lead time,
// longest booking window, widest buffers.
func roleDefaults(rules []model.WeeklyRule) map[roleKey]Defaults {
	out := make(map[roleKey]Defaults)
	for _, r := range rules {
		if !r.Active {
			continue
		}
		c := ruleConstraints(r)
		k := roleKey{subject: r.SubjectID, role: r.RoleCode, zone: r.TimeZone}
		d, ok := out[k]
		if !ok {
			out[k] = Defaults{
				MinDurationMinutes:   c.MinDurationMinutes,
				LeadTimeMinutes:      c.LeadTimeMinutes,
				BookingWindowMinutes: c.BookingWindowMinutes,
				BufferBeforeMinutes:  c.BufferBeforeMinutes,
				BufferAfterMinutes:   c.BufferAfterMinutes,
			}
			continue
		}
		d.MinDurationMinutes = min(d.MinDurationMinutes, c.MinDurationMinutes)
		d.LeadTimeMinutes = min(d.LeadTimeMinutes, c.LeadTimeMinutes)
		d.BookingWindowMinutes = max(d.BookingWindowMinutes, c.BookingWindowMinutes)
		d.BufferBeforeMinutes = max(d.BufferBeforeMinutes, c.BufferBeforeMinutes)
		d.BufferAfterMinutes = max(d.BufferAfterMinutes, c.BufferAfterMinutes)
		out[k] = d
	}
	return out
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
