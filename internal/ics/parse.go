package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "slotcal/internal/log"
	"slotcal/internal/zoned"
)

// defaultEventDuration applies to timed events with neither DTEND nor DURATION.
const defaultEventDuration = 60 * time.Minute

var (
	propTransp       = ical.ComponentProperty("TRANSP")
	propDuration     = ical.ComponentProperty("DURATION")
	propRecurrenceID = ical.ComponentProperty("RECURRENCE-ID")
)

// Event is one VEVENT with its bounds resolved to UTC instants.
type Event struct {
	UID      string `json:"uid"`
	Summary  string `json:"summary,omitempty"`
	Sequence int    `json:"sequence,omitempty"`

	Start    time.Time `json:"start_utc"`
	End      time.Time `json:"end_utc"`
	AllDay   bool      `json:"all_day,omitempty"`
	TimeZone string    `json:"time_zone"`

	// Busy is false for TRANSP:TRANSPARENT and STATUS:CANCELLED events.
	Busy   bool   `json:"busy"`
	Status string `json:"status,omitempty"`

	RRule        string      `json:"rrule,omitempty"`
	ExDates      []time.Time `json:"exdates,omitempty"`
	RecurrenceID *time.Time  `json:"recurrence_id,omitempty"`
}

// ParseOptions control how floating and unknown-zone values are read.
type ParseOptions struct {
	// DefaultZone applies to values without TZID and to unknown TZIDs.
	DefaultZone string
	Converter   *zoned.Converter
}

// ParseFeed parses a calendar payload into a flat event list. Folded lines
// and unknown properties are tolerated; events whose DTSTART cannot be read
// are skipped. An error is returned only when the payload is not a calendar.
func ParseFeed(body []byte, opts ParseOptions) ([]Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []Event{}, nil
	}

	p := newParser(opts)
	cal, err := ical.ParseCalendar(bytes.NewReader(normalizeFeed(body)))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	vevents := cal.Events()
	events := make([]Event, 0, len(vevents))
	for i, ve := range vevents {
		ev, err := p.event(ve)
		if err != nil {
			appLog.Debug("feed event skipped", "index", i, "reason", err.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// normalizeFeed switches to CRLF, unfolds continuation lines, repairs or
// drops content lines the calendar parser would reject, and wraps bare
// VEVENT lists in a VCALENDAR envelope. One bad line never costs the feed.
func normalizeFeed(body []byte) []byte {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var logical []string
	for _, l := range strings.Split(text, "\n") {
		if (strings.HasPrefix(l, " ") || strings.HasPrefix(l, "\t")) && len(logical) > 0 {
			logical[len(logical)-1] += l[1:]
			continue
		}
		if strings.TrimSpace(l) == "" {
			continue
		}
		logical = append(logical, l)
	}

	kept := make([]string, 0, len(logical)+4)
	for _, l := range logical {
		if fixed, ok := cleanLine(l); ok {
			kept = append(kept, fixed)
		} else {
			appLog.Debug("feed line dropped", "line", truncate(l, 64))
		}
	}

	if !strings.Contains(strings.ToUpper(text), "BEGIN:VCALENDAR") {
		kept = append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//slotcal//feed//EN"}, kept...)
		kept = append(kept, "END:VCALENDAR")
	}
	return []byte(strings.Join(kept, "\r\n") + "\r\n")
}

// cleanLine returns l in a shape the parser accepts. BEGIN/END lines are
// trimmed, parameters without a value are removed, and lines with no
// value separator are dropped.
func cleanLine(l string) (string, bool) {
	trimmed := strings.TrimSpace(l)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "BEGIN:") || strings.HasPrefix(upper, "END:") {
		return trimmed, true
	}

	colon := unquotedIndex(l, ':')
	if colon < 0 {
		return "", false
	}
	head, value := l[:colon], l[colon+1:]

	parts := splitUnquoted(head, ';')
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return "", false
	}
	var b strings.Builder
	b.WriteString(name)
	for _, param := range parts[1:] {
		eq := strings.IndexByte(param, '=')
		if eq <= 0 || eq == len(param)-1 {
			continue
		}
		b.WriteByte(';')
		b.WriteString(param)
	}
	b.WriteByte(':')
	b.WriteString(value)
	return b.String(), true
}

// unquotedIndex is strings.IndexByte that skips double-quoted runs.
func unquotedIndex(s string, c byte) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			quoted = !quoted
		case s[i] == c && !quoted:
			return i
		}
	}
	return -1
}

func splitUnquoted(s string, sep byte) []string {
	var out []string
	for {
		i := unquotedIndex(s, sep)
		if i < 0 {
			return append(out, s)
		}
		out = append(out, s[:i])
		s = s[i+1:]
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type parser struct {
	conv *zoned.Converter
	zone string
}

func newParser(opts ParseOptions) *parser {
	conv := opts.Converter
	if conv == nil {
		conv = zoned.NewConverter(nil)
	}
	zone := opts.DefaultZone
	if _, err := conv.Location(zone); err != nil {
		appLog.Debug("unknown default zone, using UTC", "zone", zone)
		zone = "UTC"
	}
	return &parser{conv: conv, zone: zone}
}

// stamp is a resolved DATE or DATE-TIME value.
type stamp struct {
	t      time.Time
	allDay bool
	zone   string
	date   zoned.Date
}

func (p *parser) event(ve *ical.VEvent) (Event, error) {
	var out Event

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, err := p.resolveProp(dtStart)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := p.end(ve, start)
	if err != nil {
		return out, fmt.Errorf("end: %w", err)
	}

	out.Start = start.t
	out.End = end
	out.AllDay = start.allDay
	out.TimeZone = start.zone
	out.UID = propValue(ve, ical.ComponentPropertyUniqueId)
	if out.UID == "" {
		out.UID = uuid.NewString()
	}
	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	if n, err := strconv.Atoi(propValue(ve, ical.ComponentPropertySequence)); err == nil {
		out.Sequence = n
	}

	out.Status = strings.ToUpper(propValue(ve, ical.ComponentPropertyStatus))
	out.Busy = !strings.EqualFold(propValue(ve, propTransp), "TRANSPARENT") && out.Status != "CANCELLED"

	out.RRule = propValue(ve, ical.ComponentPropertyRrule)
	for _, prop := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(prop.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if s, err := p.resolve(part, paramValue(prop, "TZID"), strings.EqualFold(paramValue(prop, "VALUE"), "DATE")); err == nil {
				out.ExDates = append(out.ExDates, s.t)
			}
		}
	}
	if rid := ve.GetProperty(propRecurrenceID); rid != nil {
		if s, err := p.resolveProp(rid); err == nil {
			t := s.t
			out.RecurrenceID = &t
		}
	}
	return out, nil
}

// end resolves DTEND, then DURATION, then the default span: the next local
// midnight for all-day events and one hour otherwise.
func (p *parser) end(ve *ical.VEvent, start stamp) (time.Time, error) {
	if prop := ve.GetProperty(ical.ComponentPropertyDtEnd); prop != nil {
		if e, err := p.resolveProp(prop); err == nil && e.t.After(start.t) {
			return e.t, nil
		}
	}
	if prop := ve.GetProperty(propDuration); prop != nil {
		if d, err := parseDuration(prop.Value); err == nil && d.positive() {
			return p.addDuration(start, d)
		}
	}
	if start.allDay {
		return p.conv.ToAbsolute(start.date.AddDays(1), zoned.Midnight, start.zone)
	}
	return start.t.Add(defaultEventDuration), nil
}

func (p *parser) addDuration(start stamp, d duration) (time.Time, error) {
	t := start.t
	if d.days != 0 {
		local, err := p.conv.ToLocal(t, start.zone)
		if err != nil {
			return time.Time{}, err
		}
		shifted, err := p.conv.ToAbsolute(local.Date.AddDays(d.days), local.Clock, start.zone)
		if err != nil {
			return time.Time{}, err
		}
		t = shifted.Add(time.Duration(t.Second()) * time.Second)
	}
	return t.Add(d.exact), nil
}

func (p *parser) resolveProp(prop *ical.IANAProperty) (stamp, error) {
	return p.resolve(prop.Value, paramValue(prop, "TZID"), strings.EqualFold(paramValue(prop, "VALUE"), "DATE"))
}

// resolve reads a UTC ("Z"), zone-qualified, floating or date-only value.
// Unknown zones fall back to the parser's default zone.
func (p *parser) resolve(value, tzid string, dateOnly bool) (stamp, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	if v == "" {
		return stamp{}, errors.New("empty value")
	}

	if strings.HasSuffix(v, "Z") {
		for _, layout := range []string{"20060102T150405Z", "20060102T1504Z"} {
			if t, err := time.Parse(layout, v); err == nil {
				return stamp{t: t.UTC(), zone: "UTC", date: zoned.DateOf(t)}, nil
			}
		}
		return stamp{}, fmt.Errorf("malformed UTC value %q", value)
	}

	zone := p.zone
	if tzid != "" {
		if _, err := p.conv.Location(tzid); err == nil {
			zone = tzid
		} else {
			appLog.Debug("unknown TZID, using default zone", "tzid", tzid, "zone", zone)
		}
	}

	datePart, timePart, hasTime := strings.Cut(v, "T")
	d, err := parseCompactDate(datePart)
	if err != nil {
		return stamp{}, err
	}
	if dateOnly || !hasTime {
		t, err := p.conv.ToAbsolute(d, zoned.Midnight, zone)
		if err != nil {
			return stamp{}, err
		}
		return stamp{t: t, allDay: true, zone: zone, date: d}, nil
	}

	clk, sec, err := parseCompactTime(timePart)
	if err != nil {
		return stamp{}, err
	}
	t, err := p.conv.ToAbsolute(d, clk, zone)
	if err != nil {
		return stamp{}, err
	}
	return stamp{t: t.Add(sec), zone: zone, date: d}, nil
}

func parseCompactDate(s string) (zoned.Date, error) {
	if len(s) != 8 {
		return zoned.Date{}, fmt.Errorf("unexpected date %q", s)
	}
	return zoned.ParseDate(s[0:4] + "-" + s[4:6] + "-" + s[6:8])
}

func parseCompactTime(s string) (zoned.Clock, time.Duration, error) {
	if len(s) < 4 || len(s) > 6 {
		return zoned.Clock{}, 0, fmt.Errorf("unexpected time %q", s)
	}
	s = (s + "00")[:6]
	clk, err := zoned.ParseClock(s[0:2] + ":" + s[2:4])
	if err != nil {
		return zoned.Clock{}, 0, err
	}
	sec, err := strconv.Atoi(s[4:6])
	if err != nil || sec > 59 {
		return zoned.Clock{}, 0, fmt.Errorf("unexpected seconds in %q", s)
	}
	return clk, time.Duration(sec) * time.Second, nil
}

// duration is an RFC 5545 duration split into nominal days and exact time.
type duration struct {
	days  int
	exact time.Duration
}

func (d duration) positive() bool {
	return d.days > 0 || (d.days == 0 && d.exact > 0)
}

// parseDuration reads values like "PT45M", "P1DT2H" or "P2W".
func parseDuration(s string) (duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	sign := 1
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return duration{}, fmt.Errorf("malformed duration %q", s)
	}

	var d duration
	inTime := false
	num := 0
	digits := false
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			digits = true
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if !digits {
			return duration{}, fmt.Errorf("malformed duration %q", s)
		}
		switch {
		case r == 'W' && !inTime:
			d.days += 7 * num
		case r == 'D' && !inTime:
			d.days += num
		case r == 'H' && inTime:
			d.exact += time.Duration(num) * time.Hour
		case r == 'M' && inTime:
			d.exact += time.Duration(num) * time.Minute
		case r == 'S' && inTime:
			d.exact += time.Duration(num) * time.Second
		default:
			return duration{}, fmt.Errorf("malformed duration %q", s)
		}
		num, digits = 0, false
	}
	if digits {
		return duration{}, fmt.Errorf("malformed duration %q", s)
	}
	d.days *= sign
	d.exact *= time.Duration(sign)
	return d, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func paramValue(prop *ical.IANAProperty, name string) string {
	if prop.ICalParameters == nil {
		return ""
	}
	if vs := prop.ICalParameters[name]; len(vs) > 0 {
		return strings.Trim(vs[0], `"`)
	}
	return ""
}
