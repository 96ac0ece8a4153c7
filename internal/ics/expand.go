package ics

import (
	"errors"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "slotcal/internal/log"
	"slotcal/internal/model"
	"slotcal/internal/zoned"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig bounds recurrence expansion to [RangeStart, RangeEnd).
type ExpandConfig struct {
	RangeStart time.Time
	RangeEnd   time.Time
	// MaxOccurrencesPerEvent caps each recurring UID. Zero means 5000.
	MaxOccurrencesPerEvent int
	Converter              *zoned.Converter
}

// ExpandResult holds the busy entries of one source plus the UIDs whose
// recurrence hit the cap.
type ExpandResult struct {
	Entries       []model.ExternalBusyEntry
	TruncatedUIDs []string
}

// ExpandBusy turns parsed feed events into external busy entries that
// overlap the range. RRULE sets are expanded in the event's own zone so
// wall-clock times survive offset changes, EXDATEs are removed and
// RECURRENCE-ID overrides replace the instance they name.
func ExpandBusy(sourceID string, events []Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult
	if !cfg.RangeEnd.After(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd must be after RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	if cfg.Converter == nil {
		cfg.Converter = zoned.NewConverter(nil)
	}

	var order []string
	base := make(map[string][]Event)
	overrides := make(map[string][]Event)
	for _, ev := range events {
		if _, seen := base[ev.UID]; !seen {
			if _, seen := overrides[ev.UID]; !seen {
				order = append(order, ev.UID)
			}
		}
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		} else {
			base[ev.UID] = append(base[ev.UID], ev)
		}
	}

	x := expander{cfg: cfg, sourceID: sourceID}
	for _, uid := range order {
		used := make([]bool, len(overrides[uid]))
		truncated := false
		for _, ev := range base[uid] {
			if x.expandEvent(ev, overrides[uid], used, &result) {
				truncated = true
			}
		}
		// Overrides that matched nothing were moved in from outside the
		// expanded span, or belong to a base event the feed omitted.
		for i, ov := range overrides[uid] {
			if !used[i] {
				x.emit(ov, ov.Start, ov.End, &result)
			}
		}
		if truncated {
			result.TruncatedUIDs = append(result.TruncatedUIDs, uid)
			appLog.Error("recurrence truncated", errors.New("max occurrences reached"),
				"source", sourceID, "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
		}
	}

	slices.SortStableFunc(result.Entries, func(a, b model.ExternalBusyEntry) int {
		return a.StartUTC.Compare(b.StartUTC)
	})
	return result, nil
}

type expander struct {
	cfg      ExpandConfig
	sourceID string
}

// expandEvent reports whether the occurrence cap was hit.
func (x *expander) expandEvent(ev Event, overrides []Event, used []bool, out *ExpandResult) bool {
	if ev.RRule == "" {
		start, end := ev.Start, ev.End
		if i, ok := matchOverride(overrides, used, start); ok {
			used[i] = true
			ev, start, end = overrides[i], overrides[i].Start, overrides[i].End
		}
		x.emit(ev, start, end, out)
		return false
	}

	zone := ev.TimeZone
	loc, err := x.cfg.Converter.Location(zone)
	if err != nil {
		zone, loc = "UTC", time.UTC
	}
	r, err := recurrence(ev.RRule, ev.Start.In(loc))
	if err != nil {
		appLog.Error("expand: bad RRULE", err, "source", x.sourceID, "uid", ev.UID, "rrule", ev.RRule)
		return false
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(loc))
	}

	length := ev.End.Sub(ev.Start)
	days := 0
	if ev.AllDay {
		days = max(1, zoned.DateOf(ev.Start.In(loc)).DaysUntil(zoned.DateOf(ev.End.In(loc))))
	}

	// Anything starting up to one event length before the range can still reach into it.
	starts := set.Between(x.cfg.RangeStart.Add(-length).In(loc), x.cfg.RangeEnd.In(loc), true)
	hitCap := false
	if len(starts) > x.cfg.MaxOccurrencesPerEvent {
		starts = starts[:x.cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occ := range starts {
		start := occ.UTC()
		end := start.Add(length)
		if ev.AllDay {
			d := zoned.DateOf(occ.In(loc))
			if t, err := x.cfg.Converter.ToAbsolute(d.AddDays(days), zoned.Midnight, zone); err == nil {
				end = t
			}
		}
		inst := ev
		if i, ok := matchOverride(overrides, used, start); ok {
			used[i] = true
			inst, start, end = overrides[i], overrides[i].Start, overrides[i].End
		}
		x.emit(inst, start, end, out)
	}
	return hitCap
}

func (x *expander) emit(ev Event, start, end time.Time, out *ExpandResult) {
	if !end.After(start) || !start.Before(x.cfg.RangeEnd) || !end.After(x.cfg.RangeStart) {
		return
	}
	out.Entries = append(out.Entries, model.ExternalBusyEntry{
		SourceID: x.sourceID,
		UID:      ev.UID,
		StartUTC: start.UTC(),
		EndUTC:   end.UTC(),
		Busy:     ev.Busy,
	})
}

// recurrence builds the rule with DTSTART in the event's zone so that
// defaults derived from it (weekday, hour) are local ones.
func recurrence(spec string, dtstart time.Time) (*rrule.RRule, error) {
	opt, err := rrule.StrToROption(spec)
	if err != nil {
		return nil, err
	}
	opt.Dtstart = dtstart
	return rrule.NewRRule(*opt)
}

func matchOverride(overrides []Event, used []bool, start time.Time) (int, bool) {
	for i, ov := range overrides {
		if !used[i] && ov.RecurrenceID.Equal(start) {
			return i, true
		}
	}
	return 0, false
}
