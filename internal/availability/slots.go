package availability

import (
	"strconv"
	"time"

	"slotcal/internal/interval"
	appLog "slotcal/internal/log"
	"slotcal/internal/model"
	"slotcal/internal/zoned"
)

// DefaultMaxSlots caps a result when the request does not.
const DefaultMaxSlots = 100

// Options configure an Engine.
type Options struct {
	MaxRangeDays    int
	DefaultMaxSlots int
	Defaults        Defaults
	Precedence      Precedence
	// PadBusyBefore / PadBusyAfter widen every busy block.
	PadBusyBefore time.Duration
	PadBusyAfter  time.Duration
	// Now is used only when a request carries no evaluation instant.
	Now func() time.Time
}

// SlotRequest describes one feasibility query. All instants are UTC.
type SlotRequest struct {
	WindowStart         time.Time `json:"window_start"`
	WindowEnd           time.Time `json:"window_end"`
	Now                 time.Time `json:"now"`
	DurationMinutes     int       `json:"duration_minutes"`
	MaxSlots            int       `json:"max_slots,omitempty"`
	IncludeExpiredHolds bool      `json:"include_expired_holds,omitempty"`
}

// Input bundles everything a computation reads.
type Input struct {
	Rules      []model.WeeklyRule            `json:"rules"`
	Exceptions []model.AvailabilityException `json:"exceptions,omitempty"`
	Holds      []model.Hold                  `json:"holds,omitempty"`
	Events     []model.ConfirmedEvent        `json:"events,omitempty"`
	External   []model.ExternalBusyEntry     `json:"external,omitempty"`
	Request    SlotRequest                   `json:"request"`
}

// Engine computes feasible slots. It keeps no state between calls apart
// from the converter's offset cache and is safe for concurrent use.
type Engine struct {
	conv     *zoned.Converter
	expander *RuleExpander
	overlay  *ExceptionOverlay
	opts     Options
}

func NewEngine(conv *zoned.Converter, opts Options) *Engine {
	if conv == nil {
		conv = zoned.NewConverter(nil)
	}
	if opts.DefaultMaxSlots <= 0 {
		opts.DefaultMaxSlots = DefaultMaxSlots
	}
	if opts.Defaults == (Defaults{}) {
		opts.Defaults = DefaultRoleDefaults()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		conv:     conv,
		expander: NewRuleExpander(conv, opts.MaxRangeDays),
		overlay:  NewExceptionOverlay(conv, opts.Defaults, opts.Precedence),
		opts:     opts,
	}
}

func (e *Engine) Converter() *zoned.Converter {
	return e.conv
}

// Compute expands rules, overlays exceptions, subtracts busy time and
// applies each candidate's constraints. Candidates are walked in start
// order so that the cap keeps the earliest slots. Each surviving residual
// window is emitted whole as one slot.
func (e *Engine) Compute(in Input) (model.SlotResult, error) {
	req, err := e.normalize(in.Request)
	if err != nil {
		return model.SlotResult{}, err
	}

	expanded, err := e.expander.ExpandWindow(in.Rules, req.WindowStart, req.WindowEnd)
	if err != nil {
		return model.SlotResult{}, err
	}
	overlaid, err := e.overlay.Apply(expanded.Candidates, in.Rules, in.Exceptions)
	if err != nil {
		return model.SlotResult{}, err
	}

	candidates := make([]Candidate, 0, len(overlaid))
	for _, c := range overlaid {
		if clamped, ok := interval.Clamp(c, req.WindowStart, req.WindowEnd); ok {
			candidates = append(candidates, clamped)
		}
	}
	candidates = sortCandidates(candidates)

	busy := interval.Merge(CollectBusy(
		model.BusySources(in.Holds, in.Events, in.External),
		BusyOptions{
			Now:                 req.Now,
			IncludeExpiredHolds: req.IncludeExpiredHolds,
			PadBefore:           e.opts.PadBusyBefore,
			PadAfter:            e.opts.PadBusyAfter,
		},
	), interval.MergeTags)

	res := e.synthesize(candidates, busy, req)

	appLog.Debug("slots computed",
		"candidates", res.Metadata.TotalCandidateWindows,
		"slots", len(res.Slots),
		"truncated", res.Metadata.Truncated,
		"removed_lead_time", res.Metadata.RemovedByLeadTime,
		"removed_booking_window", res.Metadata.RemovedByBookingWindow,
		"removed_conflicts", res.Metadata.RemovedByConflicts,
		"removed_duration", res.Metadata.RemovedByDuration,
		"skipped_rules", len(expanded.Skipped),
	)
	return res, nil
}

func (e *Engine) synthesize(candidates []Candidate, busy []Busy, req SlotRequest) model.SlotResult {
	res := model.SlotResult{Slots: make([]model.FeasibleSlot, 0)}
	meta := &res.Metadata
	meta.TotalCandidateWindows = len(candidates)
	requested := time.Duration(req.DurationMinutes) * time.Minute

	for ci, cand := range candidates {
		residuals := interval.Subtract([]Candidate{cand}, busy)
		if len(residuals) == 0 {
			meta.RemovedByConflicts++
			continue
		}

		for ri, w := range residuals {
			tag := cand.Tag
			window, ok := interval.Shrink(w, tag.BufferBefore(), tag.BufferAfter())
			if !ok {
				meta.RemovedByDuration++
				continue
			}

			leadCutoff := req.Now.Add(tag.LeadTime())
			if !window.End.After(leadCutoff) {
				meta.RemovedByLeadTime++
				continue
			}
			if window.Start.Before(leadCutoff) {
				window.Start = leadCutoff
			}

			if tag.BookingWindowMinutes > 0 {
				bookingCutoff := req.Now.Add(tag.BookingWindow())
				if !window.Start.Before(bookingCutoff) {
					meta.RemovedByBookingWindow++
					continue
				}
				if window.End.After(bookingCutoff) {
					window.End = bookingCutoff
				}
			}

			need := max(requested, minutes(tag.MinDurationMinutes))
			if window.Duration() < need {
				meta.RemovedByDuration++
				continue
			}

			res.Slots = append(res.Slots, model.FeasibleSlot{
				StartUTC:     window.Start.UTC(),
				EndUTC:       window.End.UTC(),
				SourceRuleID: tag.SourceID,
				Confidence:   1,
			})

			// Stop at the cap; truncated only if something was left unexamined.
			if len(res.Slots) >= req.MaxSlots {
				meta.Truncated = ri < len(residuals)-1 || ci < len(candidates)-1
				return res
			}
		}
	}
	return res
}

func (e *Engine) normalize(req SlotRequest) (SlotRequest, error) {
	if req.WindowStart.IsZero() {
		return req, model.Invalid("windowStart", "", "required")
	}
	if req.WindowEnd.IsZero() {
		return req, model.Invalid("windowEnd", "", "required")
	}
	if !req.WindowEnd.After(req.WindowStart) {
		return req, model.Invalid("windowEnd", req.WindowEnd.Format(time.RFC3339), "must be after windowStart")
	}
	if req.DurationMinutes < 0 {
		return req, model.Invalid("durationMinutes", itoa(req.DurationMinutes), "must not be negative")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = 1
	}
	if req.MaxSlots < 0 {
		return req, model.Invalid("maxSlots", itoa(req.MaxSlots), "must not be negative")
	}
	if req.MaxSlots == 0 {
		req.MaxSlots = e.opts.DefaultMaxSlots
	}
	if req.Now.IsZero() {
		req.Now = e.opts.Now()
	}
	req.WindowStart = req.WindowStart.UTC()
	req.WindowEnd = req.WindowEnd.UTC()
	req.Now = req.Now.UTC()
	return req, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
