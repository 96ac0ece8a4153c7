package zoned

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"slotcal/internal/model"
)

const dateLayout = "2006-01-02"

// Date is a civil calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, &model.ValidationError{Field: "dateLocal", Value: s, Reason: "expected YYYY-MM-DD", Err: err}
	}
	return DateOf(t), nil
}

// DateOf takes the civil date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// asUTC places the date at UTC midnight; only used for calendar arithmetic.
func (d Date) asUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Floating returns the date at 00:00 UTC. The result is a calendar
// placeholder for date iteration, not the instant the day starts anywhere.
func (d Date) Floating() time.Time {
	return d.asUTC()
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.asUTC().AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday {
	return d.asUTC().Weekday()
}

func (d Date) Before(o Date) bool {
	return d.asUTC().Before(o.asUTC())
}

func (d Date) After(o Date) bool {
	return o.Before(d)
}

// DaysUntil returns the number of days from d to o (negative if o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.asUTC().Sub(d.asUTC()) / (24 * time.Hour))
}

func (d Date) IsZero() bool {
	return d == Date{}
}

// Clock is a civil time of day at minute precision. Hour 24 with minute 0
// denotes the end of the day.
type Clock struct {
	Hour   int
	Minute int
}

var Midnight = Clock{}

// EndOfDay is "24:00".
var EndOfDay = Clock{Hour: 24}

// ParseClock parses "HH:MM" (one or two hour digits) or "24:00".
func ParseClock(s string) (Clock, error) {
	raw := strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(raw, ":")
	if !ok || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return Clock{}, model.Invalid("timeLocal", s, "expected HH:MM")
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return Clock{}, model.Invalid("timeLocal", s, "hour is not a number")
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return Clock{}, model.Invalid("timeLocal", s, "minute is not a number")
	}
	if h == 24 && m == 0 {
		return EndOfDay, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return Clock{}, model.Invalid("timeLocal", s, "out of range")
	}
	return Clock{Hour: h, Minute: m}, nil
}

func (c Clock) IsEndOfDay() bool {
	return c.Hour == 24
}

// Minutes since midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}
