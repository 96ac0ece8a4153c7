package zoned

import (
	"math"
	"sync"
	"time"

	"slotcal/internal/model"
)

// maxPeriodsPerZone bounds memory for zones queried over long horizons.
const maxPeriodsPerZone = 256

// period is a span during which a zone keeps one UTC offset.
type period struct {
	start  int64 // unix seconds, inclusive
	end    int64 // unix seconds, exclusive
	offset int   // seconds east of UTC
}

// OffsetCache memoizes loaded locations and their offset periods. It is a
// pure performance aid: Clear may be called at any time. Safe for
// concurrent use.
type OffsetCache struct {
	mu      sync.RWMutex
	locs    map[string]*time.Location
	periods map[string][]period
}

func NewOffsetCache() *OffsetCache {
	return &OffsetCache{
		locs:    make(map[string]*time.Location),
		periods: make(map[string][]period),
	}
}

// Location loads (or returns the cached) zone. Empty means UTC.
func (c *OffsetCache) Location(zone string) (*time.Location, error) {
	if zone == "" || zone == "UTC" || zone == "Z" {
		return time.UTC, nil
	}

	c.mu.RLock()
	loc, ok := c.locs[zone]
	c.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, &model.ValidationError{Field: "timeZone", Value: zone, Reason: "unknown time zone", Err: err}
	}

	c.mu.Lock()
	c.locs[zone] = loc
	c.mu.Unlock()
	return loc, nil
}

// lookup returns the offset period containing t, computing and storing it
// on a miss.
func (c *OffsetCache) lookup(loc *time.Location, t time.Time) period {
	key := loc.String()
	sec := t.Unix()

	c.mu.RLock()
	for _, p := range c.periods[key] {
		if sec >= p.start && sec < p.end {
			c.mu.RUnlock()
			return p
		}
	}
	c.mu.RUnlock()

	local := t.In(loc)
	_, off := local.Zone()
	startT, endT := local.ZoneBounds()

	p := period{start: math.MinInt64, end: math.MaxInt64, offset: off}
	if !startT.IsZero() {
		p.start = startT.Unix()
	}
	if !endT.IsZero() {
		p.end = endT.Unix()
	}

	c.mu.Lock()
	ps := c.periods[key]
	if len(ps) >= maxPeriodsPerZone {
		ps = ps[:0]
	}
	c.periods[key] = append(ps, p)
	c.mu.Unlock()
	return p
}

// Clear drops every cached entry.
func (c *OffsetCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locs = make(map[string]*time.Location)
	c.periods = make(map[string][]period)
}

// Len reports the number of cached offset periods across all zones.
func (c *OffsetCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, ps := range c.periods {
		n += len(ps)
	}
	return n
}
