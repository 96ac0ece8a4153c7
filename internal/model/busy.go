package model

import "time"

// BusyKind names the origin of a busy block.
type BusyKind string

const (
	BusyHold     BusyKind = "hold"
	BusyEvent    BusyKind = "event"
	BusyExternal BusyKind = "external"
)

// BusySource is the common projection of holds, confirmed events and
// external busy entries.
type BusySource interface {
	Kind() BusyKind
	ID() string
	Bounds() (start, end time.Time)
	// IsBusy reports whether the entry blocks time when evaluated at now.
	IsBusy(now time.Time, includeExpired bool) bool
}

func (h Hold) Kind() BusyKind                 { return BusyHold }
func (h Hold) ID() string                     { return h.HoldID }
func (h Hold) Bounds() (time.Time, time.Time) { return h.StartUTC, h.EndUTC }

func (h Hold) IsBusy(now time.Time, includeExpired bool) bool {
	if includeExpired {
		return true
	}
	expires := h.TTLExpiresAt
	if expires.IsZero() {
		expires = h.EndUTC
	}
	return expires.After(now)
}

func (e ConfirmedEvent) Kind() BusyKind                 { return BusyEvent }
func (e ConfirmedEvent) ID() string                     { return e.EventID }
func (e ConfirmedEvent) Bounds() (time.Time, time.Time) { return e.StartUTC, e.EndUTC }

func (e ConfirmedEvent) IsBusy(time.Time, bool) bool {
	return e.Status == EventStatusConfirmed
}

func (x ExternalBusyEntry) Kind() BusyKind                 { return BusyExternal }
func (x ExternalBusyEntry) ID() string                     { return x.SourceID + "/" + x.UID }
func (x ExternalBusyEntry) Bounds() (time.Time, time.Time) { return x.StartUTC, x.EndUTC }

func (x ExternalBusyEntry) IsBusy(time.Time, bool) bool {
	return x.Busy
}

// BusySources flattens the three busy inputs into one sequence.
func BusySources(holds []Hold, events []ConfirmedEvent, external []ExternalBusyEntry) []BusySource {
	out := make([]BusySource, 0, len(holds)+len(events)+len(external))
	for _, h := range holds {
		out = append(out, h)
	}
	for _, e := range events {
		out = append(out, e)
	}
	for _, x := range external {
		out = append(out, x)
	}
	return out
}
