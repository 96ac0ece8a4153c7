package zoned

import (
	"time"
)

// Local is the civil reading of an instant in some zone.
type Local struct {
	Date          Date
	Clock         Clock
	OffsetMinutes int
}

// Converter maps civil date+time+zone to instants and back. It holds no
// state besides its OffsetCache and never consults the current time.
type Converter struct {
	cache *OffsetCache
}

// NewConverter returns a converter backed by cache. A nil cache gets a
// private one.
func NewConverter(cache *OffsetCache) *Converter {
	if cache == nil {
		cache = NewOffsetCache()
	}
	return &Converter{cache: cache}
}

// Location resolves a zone name through the cache.
func (c *Converter) Location(zone string) (*time.Location, error) {
	return c.cache.Location(zone)
}

// ToAbsolute resolves a civil date and time in zone to a UTC instant.
//
// The civil value is first read as if it were UTC, corrected by the zone's
// offset at that guess, and corrected once more if the offset at the
// corrected instant differs. A civil time inside a spring-forward gap
// resolves to the first valid instant after the gap. A repeated civil time
// (fall-back) resolves to its earlier occurrence in every zone, east or
// west of UTC.
func (c *Converter) ToAbsolute(d Date, clk Clock, zone string) (time.Time, error) {
	loc, err := c.cache.Location(zone)
	if err != nil {
		return time.Time{}, err
	}
	if clk.IsEndOfDay() {
		d = d.AddDays(1)
		clk = Midnight
	}

	guess := time.Date(d.Year, d.Month, d.Day, clk.Hour, clk.Minute, 0, 0, time.UTC)

	off1 := c.offset(loc, guess)
	candidate := guess.Add(-off1)

	off2 := c.offset(loc, candidate)
	if off2 != off1 {
		alt := guess.Add(-off2)
		if c.offset(loc, alt) != off2 {
			// Neither offset maps back onto the requested wall time: the
			// value sits in a forward gap. The transition is the start of
			// the later period.
			later := candidate
			if alt.After(later) {
				later = alt
			}
			p := c.cache.lookup(loc, later)
			return time.Unix(p.start, 0).UTC(), nil
		}
		candidate = alt
	}
	return c.earliest(loc, guess, candidate), nil
}

// earliest returns the first instant reading as guess on the wall clock.
// The offsets a day either side cover both readings of a repeated hour.
func (c *Converter) earliest(loc *time.Location, guess, found time.Time) time.Time {
	for _, near := range []time.Time{guess.Add(-24 * time.Hour), guess.Add(24 * time.Hour)} {
		off := c.offset(loc, near)
		alt := guess.Add(-off)
		if alt.Before(found) && c.offset(loc, alt) == off {
			found = alt
		}
	}
	return found
}

// ToLocal reads instant in zone.
func (c *Converter) ToLocal(instant time.Time, zone string) (Local, error) {
	loc, err := c.cache.Location(zone)
	if err != nil {
		return Local{}, err
	}
	off := c.offset(loc, instant)
	wall := instant.UTC().Add(off)
	return Local{
		Date:          DateOf(wall),
		Clock:         Clock{Hour: wall.Hour(), Minute: wall.Minute()},
		OffsetMinutes: int(off / time.Minute),
	}, nil
}

// DayBounds returns [local midnight of d, local midnight of the next day).
func (c *Converter) DayBounds(d Date, zone string) (time.Time, time.Time, error) {
	start, err := c.ToAbsolute(d, Midnight, zone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := c.ToAbsolute(d.AddDays(1), Midnight, zone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// DateRange returns the civil dates in zone touched by [start, end).
func (c *Converter) DateRange(start, end time.Time, zone string) (Date, Date, error) {
	from, err := c.ToLocal(start, zone)
	if err != nil {
		return Date{}, Date{}, err
	}
	last := end
	if end.After(start) {
		last = end.Add(-time.Nanosecond)
	}
	to, err := c.ToLocal(last, zone)
	if err != nil {
		return Date{}, Date{}, err
	}
	return from.Date, to.Date, nil
}

func (c *Converter) offset(loc *time.Location, t time.Time) time.Duration {
	return time.Duration(c.cache.lookup(loc, t).offset) * time.Second
}
