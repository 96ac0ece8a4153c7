package ics

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"slotcal/internal/model"
	"slotcal/internal/zoned"
)

const (
	DefaultProductID    = "-//slotcal//Availability//EN"
	DefaultCalendarName = "Availability"
	DefaultFeedPath     = "/feeds/{token}.ics"
)

// FeedOptions describe the calendar envelope of an outbound feed.
type FeedOptions struct {
	ProductID       string        `json:"product_id,omitempty"`
	Name            string        `json:"name,omitempty"`
	TimeZone        string        `json:"time_zone,omitempty"`
	Method          string        `json:"method,omitempty"`
	RefreshInterval time.Duration `json:"refresh_interval,omitempty"`
	PublishedTTL    time.Duration `json:"published_ttl,omitempty"`
	URL             string        `json:"url,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at,omitempty"`
}

// OutboundEvent is one VEVENT of an outbound feed.
type OutboundEvent struct {
	UID         string    `json:"uid"`
	Start       time.Time `json:"start_utc"`
	End         time.Time `json:"end_utc"`
	AllDay      bool      `json:"all_day,omitempty"`
	TimeZone    string    `json:"time_zone,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	URL         string    `json:"url,omitempty"`
	Status      string    `json:"status,omitempty"`
	Transparent bool      `json:"transparent,omitempty"`
	Sequence    int       `json:"sequence,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// SlotEvents renders feasible slots as free, transparent events so that a
// subscriber sees open time without it blocking their own calendar.
func SlotEvents(slots []model.FeasibleSlot, uidPrefix, summary string) []OutboundEvent {
	if summary == "" {
		summary = "Available"
	}
	out := make([]OutboundEvent, 0, len(slots))
	for _, s := range slots {
		out = append(out, OutboundEvent{
			UID:         fmt.Sprintf("%s-%d@slotcal", uidPrefix, s.StartUTC.Unix()),
			Start:       s.StartUTC,
			End:         s.EndUTC,
			Summary:     summary,
			Status:      "TENTATIVE",
			Transparent: true,
		})
	}
	return out
}

// BuildFeed serializes events into a folded, CRLF-terminated VCALENDAR.
// Timed events are written in the event zone (or the feed zone) with a
// TZID parameter, otherwise in UTC.
func BuildFeed(opts FeedOptions, events []OutboundEvent) (string, error) {
	conv := zoned.NewConverter(nil)
	if opts.ProductID == "" {
		opts.ProductID = DefaultProductID
	}
	if opts.Name == "" {
		opts.Name = DefaultCalendarName
	}
	if opts.Method == "" {
		opts.Method = string(ical.MethodPublish)
	}
	if opts.GeneratedAt.IsZero() {
		opts.GeneratedAt = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetProductId(opts.ProductID)
	cal.SetCalscale("GREGORIAN")
	cal.SetMethod(ical.Method(strings.ToUpper(opts.Method)))
	cal.SetXWRCalName(opts.Name)
	if opts.TimeZone != "" {
		if _, err := conv.Location(opts.TimeZone); err != nil {
			return "", err
		}
		cal.SetXWRTimezone(opts.TimeZone)
	}
	if opts.RefreshInterval > 0 {
		cal.SetRefreshInterval(fmt.Sprintf("PT%dM", max(1, int(opts.RefreshInterval/time.Minute))))
	}
	if opts.PublishedTTL > 0 {
		cal.SetXPublishedTTL(fmt.Sprintf("PT%dS", max(1, int(opts.PublishedTTL/time.Second))))
	}
	if opts.URL != "" {
		cal.SetUrl(opts.URL)
	}

	for i, ev := range events {
		if err := addEvent(cal, conv, ev, opts, i); err != nil {
			return "", err
		}
	}
	return cal.Serialize(), nil
}

func addEvent(cal *ical.Calendar, conv *zoned.Converter, ev OutboundEvent, opts FeedOptions, i int) error {
	field := func(name string) string { return fmt.Sprintf("events[%d].%s", i, name) }
	if ev.UID == "" {
		return model.Invalid(field("uid"), "", "required")
	}
	if ev.Start.IsZero() {
		return model.Invalid(field("start_utc"), "", "required")
	}
	if ev.End.IsZero() {
		ev.End = ev.Start
	}
	if ev.End.Before(ev.Start) {
		return model.Invalid(field("end_utc"), ev.End.Format(time.RFC3339), "before start")
	}
	zone := ev.TimeZone
	if zone == "" {
		zone = opts.TimeZone
	}
	loc, err := conv.Location(zone)
	if err != nil {
		return err
	}

	ve := cal.AddEvent(ev.UID)
	stamp := ev.UpdatedAt
	if stamp.IsZero() {
		stamp = opts.GeneratedAt
	}
	ve.SetDtStampTime(stamp.UTC())

	switch {
	case ev.AllDay:
		ve.SetAllDayStartAt(ev.Start.In(loc))
		ve.SetAllDayEndAt(ev.End.In(loc))
	case zone != "" && loc != time.UTC:
		tzid := &ical.KeyValues{Key: "TZID", Value: []string{zone}}
		ve.SetProperty(ical.ComponentPropertyDtStart, ev.Start.In(loc).Format(localStampLayout), tzid)
		ve.SetProperty(ical.ComponentPropertyDtEnd, ev.End.In(loc).Format(localStampLayout), tzid)
	default:
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
	}

	if ev.Sequence > 0 {
		ve.SetProperty(ical.ComponentPropertySequence, strconv.Itoa(ev.Sequence))
	}
	if ev.Summary != "" {
		ve.SetSummary(ev.Summary)
	}
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if ev.URL != "" {
		ve.SetURL(ev.URL)
	}
	if ev.Status != "" {
		ve.SetProperty(ical.ComponentPropertyStatus, strings.ToUpper(ev.Status))
	}
	if ev.Transparent {
		ve.SetProperty(propTransp, "TRANSPARENT")
	} else {
		ve.SetProperty(propTransp, "OPAQUE")
	}
	if !ev.UpdatedAt.IsZero() {
		ve.SetProperty(ical.ComponentPropertyLastModified, ev.UpdatedAt.UTC().Format(utcStampLayout))
	}
	return nil
}

const (
	localStampLayout = "20060102T150405"
	utcStampLayout   = "20060102T150405Z"
)

// FeedURL joins base and a path template whose "{token}" placeholder is
// replaced by the escaped token.
func FeedURL(base, token, template string) (string, error) {
	if base == "" {
		return "", model.Invalid("baseUrl", "", "required")
	}
	if token == "" {
		return "", model.Invalid("token", "", "required")
	}
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return "", model.Invalid("baseUrl", base, "must be an absolute URL")
	}
	if template == "" {
		template = DefaultFeedPath
	}
	if !strings.Contains(template, "{token}") {
		return "", model.Invalid("template", template, `missing "{token}" placeholder`)
	}
	path := strings.Replace(template, "{token}", url.PathEscape(token), 1)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(base, "/") + path, nil
}
