package availability

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "slotcal/internal/log"
	"slotcal/internal/model"
	"slotcal/internal/zoned"
)

// DefaultMaxRangeDays caps how many civil days a single expansion may cover.
const DefaultMaxRangeDays = 366

// rruleWeekdays is indexed by WeeklyRule mask bit (Monday first).
var rruleWeekdays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

// Skip records a rule occurrence dropped during expansion.
type Skip struct {
	RuleID string
	Date   string
	Reason string
}

// ExpandResult is the sorted, de-duplicated candidate list plus skips.
type ExpandResult struct {
	Candidates []Candidate
	Skipped    []Skip
}

// RuleExpander turns weekly rules into absolute candidate windows.
type RuleExpander struct {
	conv    *zoned.Converter
	maxDays int
}

func NewRuleExpander(conv *zoned.Converter, maxDays int) *RuleExpander {
	if maxDays <= 0 {
		maxDays = DefaultMaxRangeDays
	}
	return &RuleExpander{conv: conv, maxDays: maxDays}
}

// CheckRange rejects inverted or oversized civil ranges.
func (e *RuleExpander) CheckRange(from, to zoned.Date) error {
	if from.IsZero() || to.IsZero() {
		return model.Invalid("dateFrom", "", "date range must be bounded")
	}
	if to.Before(from) {
		return model.Invalid("dateTo", to.String(), "before dateFrom "+from.String())
	}
	if days := from.DaysUntil(to) + 1; days > e.maxDays {
		return &model.ValidationError{
			Field:  "dateTo",
			Value:  to.String(),
			Reason: fmt.Sprintf("range of %d days exceeds limit of %d", days, e.maxDays),
			Err:    model.ErrUnboundedRange,
		}
	}
	return nil
}

// Expand evaluates every active rule on every civil date in [from, to].
// Weekday and wall times are read in each rule's own zone. Rules that do
// not resolve to a forward interval are skipped, never fatal.
func (e *RuleExpander) Expand(rules []model.WeeklyRule, from, to zoned.Date) (ExpandResult, error) {
	if err := e.CheckRange(from, to); err != nil {
		return ExpandResult{}, err
	}
	var res ExpandResult
	for _, r := range rules {
		if !r.Active {
			continue
		}
		e.expandRule(r, from, to, &res)
	}
	res.Candidates = dedupe(res.Candidates)
	return res, nil
}

// ExpandWindow is Expand with the civil range derived per rule from the
// UTC window [start, end) in that rule's zone.
func (e *RuleExpander) ExpandWindow(rules []model.WeeklyRule, start, end time.Time) (ExpandResult, error) {
	if !end.After(start) {
		return ExpandResult{}, model.Invalid("windowEnd", end.Format(time.RFC3339), "must be after windowStart")
	}
	const day = 24 * time.Hour
	if days := int((end.Sub(start) + day - 1) / day); days > e.maxDays {
		return ExpandResult{}, &model.ValidationError{
			Field:  "windowEnd",
			Value:  end.Format(time.RFC3339),
			Reason: fmt.Sprintf("window of %d days exceeds limit of %d", days, e.maxDays),
			Err:    model.ErrUnboundedRange,
		}
	}

	var res ExpandResult
	for _, r := range rules {
		if !r.Active {
			continue
		}
		from, to, err := e.conv.DateRange(start, end, r.TimeZone)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{RuleID: r.RuleID, Reason: err.Error()})
			continue
		}
		e.expandRule(r, from, to, &res)
	}
	res.Candidates = dedupe(res.Candidates)
	return res, nil
}

func (e *RuleExpander) expandRule(r model.WeeklyRule, from, to zoned.Date, res *ExpandResult) {
	skip := func(date, reason string) {
		res.Skipped = append(res.Skipped, Skip{RuleID: r.RuleID, Date: date, Reason: reason})
		appLog.Debug("rule skipped", "rule_id", r.RuleID, "date", date, "reason", reason)
	}

	if _, err := e.conv.Location(r.TimeZone); err != nil {
		skip("", err.Error())
		return
	}
	startClock, err := zoned.ParseClock(r.StartLocal)
	if err != nil {
		skip("", "startLocal: "+err.Error())
		return
	}
	if startClock.IsEndOfDay() {
		skip("", "startLocal may not be 24:00")
		return
	}
	endClock := zoned.EndOfDay
	if r.EndLocal != "" {
		if endClock, err = zoned.ParseClock(r.EndLocal); err != nil {
			skip("", "endLocal: "+err.Error())
			return
		}
	}

	dates, err := ruleDates(r.WeekdayMask, from, to)
	if err != nil {
		skip("", err.Error())
		return
	}

	tag := ruleConstraints(r)
	for _, d := range dates {
		start, err := e.conv.ToAbsolute(d, startClock, r.TimeZone)
		if err != nil {
			skip(d.String(), err.Error())
			continue
		}
		end, err := e.conv.ToAbsolute(d, endClock, r.TimeZone)
		if err != nil {
			skip(d.String(), err.Error())
			continue
		}
		if !end.After(start) {
			skip(d.String(), "end not after start")
			continue
		}
		res.Candidates = append(res.Candidates, Candidate{Start: start, End: end, Tag: tag})
	}
}

// ruleDates lists the civil dates in [from, to] whose weekday is set in mask.
func ruleDates(mask uint8, from, to zoned.Date) ([]zoned.Date, error) {
	var days []rrule.Weekday
	for bit, wd := range rruleWeekdays {
		if mask&(1<<bit) != 0 {
			days = append(days, wd)
		}
	}
	if len(days) == 0 {
		return nil, nil
	}

	rr, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   from.Floating(),
		Until:     to.Floating(),
		Byweekday: days,
	})
	if err != nil {
		return nil, err
	}

	occ := rr.All()
	out := make([]zoned.Date, 0, len(occ))
	for _, t := range occ {
		out = append(out, zoned.DateOf(t))
	}
	return out, nil
}

// dedupe sorts candidates and drops exact duplicates (same bounds and tag).
func dedupe(in []Candidate) []Candidate {
	sorted := sortCandidates(in)
	out := sorted[:0]
	for i, c := range sorted {
		if i > 0 {
			prev := out[len(out)-1]
			if prev.Start.Equal(c.Start) && prev.End.Equal(c.End) && prev.Tag == c.Tag {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
