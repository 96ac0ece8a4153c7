// Package interval implements merge, subtract and clamp over half-open
// [Start, End) time intervals. Every function returns fresh slices and
// never mutates its inputs.
package interval

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// Interval is a half-open span [Start, End) carrying a tag. Valid intervals
// have End after Start.
type Interval[T any] struct {
	Start time.Time
	End   time.Time
	Tag   T
}

// Tags is free-form metadata for intervals that need no typed tag.
type Tags map[string]string

// New returns the interval, or false if it would be empty or inverted.
func New[T any](start, end time.Time, tag T) (Interval[T], bool) {
	if !end.After(start) {
		return Interval[T]{}, false
	}
	return Interval[T]{Start: start, End: end, Tag: tag}, true
}

func (iv Interval[T]) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

func (iv Interval[T]) Valid() bool {
	return iv.End.After(iv.Start)
}

// Contains reports whether t lies in [Start, End).
func (iv Interval[T]) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Overlaps reports whether a and b share any instant.
func Overlaps[T, U any](a Interval[T], b Interval[U]) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// MergeTags shallow-merges b over a into a new map.
func MergeTags(a, b Tags) Tags {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(Tags, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}

// Sorted returns a copy ordered by start, then end.
func Sorted[T any](in []Interval[T]) []Interval[T] {
	out := slices.Clone(in)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].End.Before(out[j].End)
	})
	return out
}

// Merge folds overlapping or touching intervals. combine decides the tag of
// a folded pair; nil keeps the earlier interval's tag. Empty inputs are
// dropped.
func Merge[T any](in []Interval[T], combine func(a, b T) T) []Interval[T] {
	sorted := Sorted(in)
	out := make([]Interval[T], 0, len(sorted))
	for _, iv := range sorted {
		if !iv.Valid() {
			continue
		}
		if n := len(out); n > 0 && !iv.Start.After(out[n-1].End) {
			last := &out[n-1]
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			if combine != nil {
				last.Tag = combine(last.Tag, iv.Tag)
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Subtract removes every cutter from every source interval. Each source
// yields zero or more residuals, in source order, keeping its tag.
func Subtract[T, U any](source []Interval[T], cutters []Interval[U]) []Interval[T] {
	cuts := Merge(cutters, nil)
	out := make([]Interval[T], 0, len(source))
	if len(cuts) == 0 {
		for _, src := range source {
			if src.Valid() {
				out = append(out, src)
			}
		}
		return out
	}

	for _, src := range source {
		if !src.Valid() {
			continue
		}
		// First cutter that ends after the source starts.
		i := sort.Search(len(cuts), func(i int) bool {
			return cuts[i].End.After(src.Start)
		})
		cursor := src.Start
		for ; i < len(cuts) && cuts[i].Start.Before(src.End); i++ {
			c := cuts[i]
			if c.Start.After(cursor) {
				out = append(out, Interval[T]{Start: cursor, End: c.Start, Tag: src.Tag})
			}
			if c.End.After(cursor) {
				cursor = c.End
			}
		}
		if src.End.After(cursor) {
			out = append(out, Interval[T]{Start: cursor, End: src.End, Tag: src.Tag})
		}
	}
	return out
}

// Clamp intersects iv with [from, to). It reports false when nothing is left.
func Clamp[T any](iv Interval[T], from, to time.Time) (Interval[T], bool) {
	start, end := iv.Start, iv.End
	if from.After(start) {
		start = from
	}
	if to.Before(end) {
		end = to
	}
	return New(start, end, iv.Tag)
}

// Shrink moves the start forward by before and the end back by after.
func Shrink[T any](iv Interval[T], before, after time.Duration) (Interval[T], bool) {
	return New(iv.Start.Add(before), iv.End.Add(-after), iv.Tag)
}

// Pad widens iv by before and after.
func Pad[T any](iv Interval[T], before, after time.Duration) Interval[T] {
	iv.Start = iv.Start.Add(-before)
	iv.End = iv.End.Add(after)
	return iv
}

// Total sums the durations of the given intervals without merging them.
func Total[T any](in []Interval[T]) time.Duration {
	var d time.Duration
	for _, iv := range in {
		if iv.Valid() {
			d += iv.Duration()
		}
	}
	return d
}
