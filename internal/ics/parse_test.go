package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// feed joins lines with CRLF inside a VCALENDAR envelope.
func feed(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func TestParseFeedZoneQualified(t *testing.T) {
	events, err := ParseFeed(feed(
		"BEGIN:VEVENT",
		"UID:evt-1",
		"DTSTART;TZID=America/New_York:20250310T090000",
		"DTEND;TZID=America/New_York:20250310T100000",
		"SUMMARY:Standup",
		"END:VEVENT",
	), ParseOptions{DefaultZone: "UTC"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "evt-1", ev.UID)
	assert.Equal(t, "Standup", ev.Summary)
	assert.Equal(t, utc("2025-03-10T13:00:00Z"), ev.Start)
	assert.Equal(t, utc("2025-03-10T14:00:00Z"), ev.End)
	assert.Equal(t, "America/New_York", ev.TimeZone)
	assert.False(t, ev.AllDay)
	assert.True(t, ev.Busy)
}

func TestParseFeedAllDayWithoutEnd(t *testing.T) {
	events, err := ParseFeed(feed(
		"BEGIN:VEVENT",
		"UID:offsite",
		"DTSTART;VALUE=DATE:20250601",
		"END:VEVENT",
	), ParseOptions{DefaultZone: "America/Los_Angeles"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.True(t, ev.AllDay)
	assert.Equal(t, utc("2025-06-01T07:00:00Z"), ev.Start)
	assert.Equal(t, utc("2025-06-02T07:00:00Z"), ev.End)
}

func TestParseFeedAllDayAcrossFallBack(t *testing.T) {
	events, err := ParseFeed(feed(
		"BEGIN:VEVENT",
		"UID:long-day",
		"DTSTART;VALUE=DATE;TZID=America/New_York:20251102",
		"END:VEVENT",
	), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 25*time.Hour, events[0].End.Sub(events[0].Start))
}

func TestParseFeedEndDefaults(t *testing.T) {
	tests := []struct {
		name    string
		props   []string
		wantEnd time.Time
	}{
		{
			name:    "utc start without end lasts an hour",
			props:   []string{"DTSTART:20250522T170000Z"},
			wantEnd: utc("2025-05-22T18:00:00Z"),
		},
		{
			name:    "duration in minutes",
			props:   []string{"DTSTART:20250522T170000Z", "DURATION:PT90M"},
			wantEnd: utc("2025-05-22T18:30:00Z"),
		},
		{
			name:    "duration in days keeps wall time",
			props:   []string{"DTSTART;TZID=America/New_York:20250308T120000", "DURATION:P1D"},
			wantEnd: utc("2025-03-09T16:00:00Z"),
		},
		{
			name:    "inverted end falls back to an hour",
			props:   []string{"DTSTART:20250522T170000Z", "DTEND:20250522T160000Z"},
			wantEnd: utc("2025-05-22T18:00:00Z"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := append([]string{"BEGIN:VEVENT", "UID:x"}, tt.props...)
			lines = append(lines, "END:VEVENT")
			events, err := ParseFeed(feed(lines...), ParseOptions{})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantEnd, events[0].End)
		})
	}
}

func TestParseFeedTransparency(t *testing.T) {
	events, err := ParseFeed(feed(
		"BEGIN:VEVENT",
		"UID:opaque",
		"DTSTART:20250522T090000Z",
		"TRANSP:OPAQUE",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:free",
		"DTSTART:20250522T100000Z",
		"TRANSP:TRANSPARENT",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:cancelled",
		"DTSTART:20250522T110000Z",
		"STATUS:CANCELLED",
		"END:VEVENT",
	), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	busy := map[string]bool{}
	for _, ev := range events {
		busy[ev.UID] = ev.Busy
	}
	assert.Equal(t, map[string]bool{"opaque": true, "free": false, "cancelled": false}, busy)
}

func TestParseFeedToleratesFoldingAndUnknownProperties(t *testing.T) {
	body := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//test//EN\nX-WR-CALNAME:Team\n" +
		"BEGIN:VEVENT\nUID:folded\nDTSTART:20250522T090000Z\n" +
		"SUMMARY:Quarterly plan\n ning review\n" +
		"X-CUSTOM-FLAG;X-PARAM=1:whatever\n" +
		"END:VEVENT\nEND:VCALENDAR\n"

	events, err := ParseFeed([]byte(body), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Quarterly planning review", events[0].Summary)
}

func TestParseFeedSurvivesMalformedLines(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
	}{
		{name: "parameter without value", lines: []string{"X-FOO;BAR:baz"}},
		{name: "line without colon", lines: []string{"GARBAGE"}},
		{name: "empty property name", lines: []string{":orphan"}},
		{name: "valueless parameter on a known property", lines: []string{"LOCATION;ALTREP:Room 4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := append([]string{"BEGIN:VEVENT", "UID:kept", "DTSTART:20250522T090000Z"}, tt.lines...)
			lines = append(lines, "SUMMARY:Review", "END:VEVENT")
			events, err := ParseFeed(feed(lines...), ParseOptions{})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "kept", events[0].UID)
			assert.Equal(t, "Review", events[0].Summary)
			assert.Equal(t, utc("2025-05-22T09:00:00Z"), events[0].Start)
		})
	}
}

func TestParseFeedTrimsBoundaryLines(t *testing.T) {
	body := "BEGIN:VCALENDAR \r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT	\r\nUID:padded\r\nDTSTART;TZID=\"America/New_York\";X-EMPTY:20250522T090000\r\n" +
		"END:VEVENT \r\nEND:VCALENDAR  \r\n"

	events, err := ParseFeed([]byte(body), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "padded", events[0].UID)
	assert.Equal(t, utc("2025-05-22T13:00:00Z"), events[0].Start)
}

func TestCleanLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "X-FOO;BAR:baz", want: "X-FOO:baz", ok: true},
		{in: "DTSTART;TZID=UTC;VALUE:20250522T090000Z", want: "DTSTART;TZID=UTC:20250522T090000Z", ok: true},
		{in: `ATTENDEE;CN="Doe: Jane";ROLE:mailto:jane@example.com`, want: `ATTENDEE;CN="Doe: Jane":mailto:jane@example.com`, ok: true},
		{in: "DESCRIPTION:a: b; c", want: "DESCRIPTION:a: b; c", ok: true},
		{in: "  END:VEVENT  ", want: "END:VEVENT", ok: true},
		{in: "GARBAGE", ok: false},
		{in: ":value", ok: false},
	}
	for _, tt := range tests {
		got, ok := cleanLine(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}

func TestParseFeedWithoutEnvelope(t *testing.T) {
	body := "BEGIN:VEVENT\r\nUID:bare\r\nDTSTART:20250522T090000Z\r\nEND:VEVENT\r\n"
	events, err := ParseFeed([]byte(body), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "bare", events[0].UID)
}

func TestParseFeedFallbacks(t *testing.T) {
	events, err := ParseFeed(feed(
		"BEGIN:VEVENT",
		"DTSTART;TZID=Atlantis/Lost:20250522T090000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:no-start",
		"SUMMARY:ignored",
		"END:VEVENT",
	), ParseOptions{DefaultZone: "Europe/Berlin"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	_, err = uuid.Parse(ev.UID)
	assert.NoError(t, err, "missing UID gets a generated one")
	assert.Equal(t, "Europe/Berlin", ev.TimeZone)
	assert.Equal(t, utc("2025-05-22T07:00:00Z"), ev.Start)
}

func TestParseFeedRecurrenceFields(t *testing.T) {
	events, err := ParseFeed(feed(
		"BEGIN:VEVENT",
		"UID:weekly",
		"DTSTART;TZID=America/New_York:20250303T090000",
		"DTEND;TZID=America/New_York:20250303T100000",
		"RRULE:FREQ=WEEKLY;BYDAY=MO;COUNT=4",
		"EXDATE;TZID=America/New_York:20250310T090000,20250317T090000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:weekly",
		"RECURRENCE-ID;TZID=America/New_York:20250324T090000",
		"DTSTART;TZID=America/New_York:20250324T110000",
		"DTEND;TZID=America/New_York:20250324T120000",
		"END:VEVENT",
	), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	base := events[0]
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=4", base.RRule)
	assert.Equal(t, []time.Time{utc("2025-03-10T13:00:00Z"), utc("2025-03-17T13:00:00Z")}, base.ExDates)
	assert.Nil(t, base.RecurrenceID)

	override := events[1]
	require.NotNil(t, override.RecurrenceID)
	assert.Equal(t, utc("2025-03-24T13:00:00Z"), *override.RecurrenceID)
	assert.Equal(t, utc("2025-03-24T15:00:00Z"), override.Start)
}

func TestParseFeedEmpty(t *testing.T) {
	events, err := ParseFeed(nil, ParseOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = ParseFeed(feed(), ParseOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    duration
		wantErr bool
	}{
		{in: "PT45M", want: duration{exact: 45 * time.Minute}},
		{in: "PT1H30M", want: duration{exact: 90 * time.Minute}},
		{in: "P1DT2H", want: duration{days: 1, exact: 2 * time.Hour}},
		{in: "P2W", want: duration{days: 14}},
		{in: "PT15S", want: duration{exact: 15 * time.Second}},
		{in: "-PT10M", want: duration{exact: -10 * time.Minute}},
		{in: "P", wantErr: true},
		{in: "1H", wantErr: true},
		{in: "PT5", wantErr: true},
		{in: "P1H", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
