package model

import "time"

// Weekday bits for WeeklyRule.WeekdayMask. Monday is bit 0.
const (
	MaskMonday uint8 = 1 << iota
	MaskTuesday
	MaskWednesday
	MaskThursday
	MaskFriday
	MaskSaturday
	MaskSunday

	MaskWeekdays = MaskMonday | MaskTuesday | MaskWednesday | MaskThursday | MaskFriday
	MaskAllDays  = MaskWeekdays | MaskSaturday | MaskSunday
)

// WeekdayBit returns the mask bit for a time.Weekday.
func WeekdayBit(d time.Weekday) uint8 {
	// time.Sunday == 0; shift so Monday lands on bit 0.
	return 1 << ((uint(d) + 6) % 7)
}

// WeeklyRule is a recurring block of availability, expressed in civil time
// of its own zone. Owned and edited elsewhere; the engine only reads it.
type WeeklyRule struct {
	RuleID    string `json:"rule_id"`
	SubjectID string `json:"subject_id"`
	RoleCode  string `json:"role_code,omitempty"`

	WeekdayMask uint8 `json:"weekday_mask"`

	// StartLocal / EndLocal are "HH:MM". EndLocal may be "24:00" or empty,
	// both meaning the next local midnight.
	StartLocal string `json:"start_local"`
	EndLocal   string `json:"end_local,omitempty"`
	TimeZone   string `json:"time_zone"`

	MinDurationMinutes   int `json:"min_duration_minutes"`
	LeadTimeMinutes      int `json:"lead_time_minutes"`
	BookingWindowMinutes int `json:"booking_window_minutes"`
	BufferBeforeMinutes  int `json:"buffer_before_minutes"`
	BufferAfterMinutes   int `json:"buffer_after_minutes"`

	Active bool `json:"active"`
}

// AppliesOn reports whether the rule's mask includes the weekday.
func (r WeeklyRule) AppliesOn(d time.Weekday) bool {
	return r.WeekdayMask&WeekdayBit(d) != 0
}

type ExceptionKind string

const (
	ExceptionAvailable   ExceptionKind = "available"
	ExceptionUnavailable ExceptionKind = "unavailable"
)

// AvailabilityException overrides weekly rules on a single civil date.
// An unavailable exception without bounds blocks the whole day.
type AvailabilityException struct {
	ExceptionID string        `json:"exception_id"`
	SubjectID   string        `json:"subject_id"`
	RoleCode    string        `json:"role_code,omitempty"`
	DateLocal   string        `json:"date_local"`
	TimeZone    string        `json:"time_zone"`
	Kind        ExceptionKind `json:"kind"`
	StartLocal  string        `json:"start_local,omitempty"`
	EndLocal    string        `json:"end_local,omitempty"`
}

// FullDay reports whether the exception carries no time bounds.
func (e AvailabilityException) FullDay() bool {
	return e.StartLocal == "" && e.EndLocal == ""
}

// Hold is a TTL-bounded soft reservation made during checkout.
type Hold struct {
	HoldID       string    `json:"hold_id"`
	StartUTC     time.Time `json:"start_utc"`
	EndUTC       time.Time `json:"end_utc"`
	TTLExpiresAt time.Time `json:"ttl_expires_at"`
	Source       string    `json:"source,omitempty"`
	OrderID      string    `json:"order_id,omitempty"`
}

const EventStatusConfirmed = "confirmed"

// ConfirmedEvent is a booking known to the marketplace. Only status
// "confirmed" blocks time.
type ConfirmedEvent struct {
	EventID  string    `json:"event_id"`
	StartUTC time.Time `json:"start_utc"`
	EndUTC   time.Time `json:"end_utc"`
	Status   string    `json:"status"`
}

// ExternalBusyEntry is a block synced from an externally owned calendar.
// Busy=false entries are informational and never subtracted.
type ExternalBusyEntry struct {
	SourceID string    `json:"source_id"`
	UID      string    `json:"uid,omitempty"`
	StartUTC time.Time `json:"start_utc"`
	EndUTC   time.Time `json:"end_utc"`
	Busy     bool      `json:"busy"`
}

// FeasibleSlot is one bookable window. Recomputed on every call.
type FeasibleSlot struct {
	StartUTC     time.Time `json:"start_utc"`
	EndUTC       time.Time `json:"end_utc"`
	SourceRuleID string    `json:"source_rule_id,omitempty"`
	Confidence   float64   `json:"confidence"`
}

// SlotMetadata carries counters for observability. They never affect
// which slots are returned.
type SlotMetadata struct {
	Truncated              bool `json:"truncated"`
	TotalCandidateWindows  int  `json:"total_candidate_windows"`
	RemovedByLeadTime      int  `json:"removed_by_lead_time"`
	RemovedByBookingWindow int  `json:"removed_by_booking_window"`
	RemovedByConflicts     int  `json:"removed_by_conflicts"`
	RemovedByDuration      int  `json:"removed_by_duration"`
}

type SlotResult struct {
	Slots    []FeasibleSlot `json:"slots"`
	Metadata SlotMetadata   `json:"metadata"`
}

// ExternalCalendarSource is the cursor of a remote feed. The poller reads
// it and returns updated values; storing them is the caller's job.
type ExternalCalendarSource struct {
	SourceID     string `json:"source_id"`
	URL          string `json:"url"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	// TimeZone resolves floating DTSTART/DTEND values. Empty means UTC.
	TimeZone string `json:"time_zone,omitempty"`
}
