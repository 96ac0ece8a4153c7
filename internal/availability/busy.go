package availability

import (
	"time"

	"slotcal/internal/interval"
	"slotcal/internal/model"
)

// BusyOptions controls how busy sources are normalized.
type BusyOptions struct {
	Now                 time.Time
	IncludeExpiredHolds bool
	// PadBefore / PadAfter widen every busy block before subtraction.
	PadBefore time.Duration
	PadAfter  time.Duration
}

// CollectBusy folds holds, confirmed events and external entries into one
// busy list, sorted by start. Overlaps are left for the subtraction step to
// collapse.
func CollectBusy(sources []model.BusySource, opts BusyOptions) []Busy {
	out := make([]Busy, 0, len(sources))
	for _, src := range sources {
		if !src.IsBusy(opts.Now, opts.IncludeExpiredHolds) {
			continue
		}
		start, end := src.Bounds()
		iv, ok := interval.New(start.UTC(), end.UTC(), interval.Tags{
			"kind": string(src.Kind()),
			"id":   src.ID(),
		})
		if !ok {
			continue
		}
		out = append(out, interval.Pad(iv, opts.PadBefore, opts.PadAfter))
	}
	return interval.Sorted(out)
}
