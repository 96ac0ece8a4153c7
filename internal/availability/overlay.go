package availability

import (
	"fmt"
	"slices"
	"strings"

	"slotcal/internal/interval"
	"slotcal/internal/model"
	"slotcal/internal/zoned"
)

// Precedence decides how "available" and "unavailable" exceptions on the
// same date interact.
type Precedence string

const (
	// AvailableWins: unavailable exceptions cut weekly windows only; an
	// available exception is never reduced by one.
	AvailableWins Precedence = "available_wins"
	// UnavailableWins: unavailable exceptions also cut available exceptions.
	UnavailableWins Precedence = "unavailable_wins"
)

// ParsePrecedence maps config strings; empty means AvailableWins.
func ParsePrecedence(s string) (Precedence, error) {
	switch Precedence(strings.ToLower(strings.TrimSpace(s))) {
	case "", AvailableWins:
		return AvailableWins, nil
	case UnavailableWins:
		return UnavailableWins, nil
	default:
		return "", model.Invalid("exceptionPrecedence", s, "expected available_wins or unavailable_wins")
	}
}

// ExceptionOverlay applies day-specific exceptions to expanded candidates.
type ExceptionOverlay struct {
	conv       *zoned.Converter
	defaults   Defaults
	precedence Precedence
}

func NewExceptionOverlay(conv *zoned.Converter, defaults Defaults, precedence Precedence) *ExceptionOverlay {
	if precedence == "" {
		precedence = AvailableWins
	}
	return &ExceptionOverlay{conv: conv, defaults: defaults, precedence: precedence}
}

type exceptionWindow struct {
	exc  model.AvailabilityException
	span interval.Interval[interval.Tags]
}

// Apply subtracts every unavailable exception from the weekly candidates,
// then unions in every available exception. Rules are only consulted for
// the constraint defaults of available exceptions. Candidates sharing the
// same tag are merged once the overlay is done.
func (o *ExceptionOverlay) Apply(candidates []Candidate, rules []model.WeeklyRule, exceptions []model.AvailabilityException) ([]Candidate, error) {
	zones := subjectZones(rules)

	var blocked, added []exceptionWindow
	for i, exc := range exceptions {
		w, err := o.resolve(i, exc, zones)
		if err != nil {
			return nil, err
		}
		switch exc.Kind {
		case model.ExceptionUnavailable:
			blocked = append(blocked, w)
		case model.ExceptionAvailable:
			added = append(added, w)
		}
	}

	out := make([]Candidate, 0, len(candidates)+len(added))
	for _, c := range candidates {
		out = append(out, interval.Subtract([]Candidate{c}, cuttersFor(c.Tag.SubjectID, blocked))...)
	}

	defaults := roleDefaults(rules)
	for _, w := range added {
		k := roleKey{subject: w.exc.SubjectID, role: w.exc.RoleCode, zone: w.exc.TimeZone}
		d, ok := defaults[k]
		if !ok {
			d = o.defaults
		}
		c := Candidate{
			Start: w.span.Start,
			End:   w.span.End,
			Tag: Constraints{
				SourceID:             w.exc.ExceptionID,
				SubjectID:            w.exc.SubjectID,
				Origin:               OriginException,
				TimeZone:             w.exc.TimeZone,
				LeadTimeMinutes:      d.LeadTimeMinutes,
				BookingWindowMinutes: d.BookingWindowMinutes,
				MinDurationMinutes:   d.MinDurationMinutes,
				BufferBeforeMinutes:  d.BufferBeforeMinutes,
				BufferAfterMinutes:   d.BufferAfterMinutes,
			},
		}
		if o.precedence == UnavailableWins {
			out = append(out, interval.Subtract([]Candidate{c}, cuttersFor(c.Tag.SubjectID, blocked))...)
			continue
		}
		out = append(out, c)
	}

	return mergeSameTag(out), nil
}

// resolve validates one exception and computes its absolute span. A
// missing zone falls back to the subject's rule zone, then UTC.
func (o *ExceptionOverlay) resolve(i int, exc model.AvailabilityException, zones map[string]string) (exceptionWindow, error) {
	field := func(name string) string {
		return fmt.Sprintf("exceptions[%d].%s", i, name)
	}
	withField := func(err error, name string) error {
		if ve, ok := err.(*model.ValidationError); ok {
			cp := *ve
			cp.Field = field(name)
			return &cp
		}
		return err
	}

	switch exc.Kind {
	case model.ExceptionAvailable, model.ExceptionUnavailable:
	default:
		return exceptionWindow{}, model.Invalid(field("kind"), string(exc.Kind), "expected available or unavailable")
	}
	if exc.DateLocal == "" {
		return exceptionWindow{}, model.Invalid(field("dateLocal"), "", "required")
	}
	date, err := zoned.ParseDate(exc.DateLocal)
	if err != nil {
		return exceptionWindow{}, withField(err, "dateLocal")
	}
	if exc.Kind == model.ExceptionAvailable {
		if exc.StartLocal == "" {
			return exceptionWindow{}, model.Invalid(field("startLocal"), "", "required for available exceptions")
		}
		if exc.EndLocal == "" {
			return exceptionWindow{}, model.Invalid(field("endLocal"), "", "required for available exceptions")
		}
	}
	if exc.TimeZone == "" {
		exc.TimeZone = zones[exc.SubjectID]
	}

	startClock := zoned.Midnight
	if exc.StartLocal != "" {
		if startClock, err = zoned.ParseClock(exc.StartLocal); err != nil {
			return exceptionWindow{}, withField(err, "startLocal")
		}
	}
	endClock := zoned.EndOfDay
	if exc.EndLocal != "" {
		if endClock, err = zoned.ParseClock(exc.EndLocal); err != nil {
			return exceptionWindow{}, withField(err, "endLocal")
		}
	}

	start, end, err := o.conv.DayBounds(date, exc.TimeZone)
	if err != nil {
		return exceptionWindow{}, withField(err, "timeZone")
	}
	if exc.StartLocal != "" {
		if start, err = o.conv.ToAbsolute(date, startClock, exc.TimeZone); err != nil {
			return exceptionWindow{}, withField(err, "timeZone")
		}
	}
	if exc.EndLocal != "" {
		if end, err = o.conv.ToAbsolute(date, endClock, exc.TimeZone); err != nil {
			return exceptionWindow{}, withField(err, "timeZone")
		}
	}
	span, ok := interval.New(start, end, interval.Tags{"exception": exc.ExceptionID})
	if !ok {
		return exceptionWindow{}, model.Invalid(field("endLocal"), exc.EndLocal, "must be after startLocal")
	}
	return exceptionWindow{exc: exc, span: span}, nil
}

// cuttersFor returns the blocked spans that apply to subject. Exceptions
// without a subject apply to every candidate.
func cuttersFor(subject string, blocked []exceptionWindow) []interval.Interval[interval.Tags] {
	out := make([]interval.Interval[interval.Tags], 0, len(blocked))
	for _, b := range blocked {
		if b.exc.SubjectID == "" || subject == "" || b.exc.SubjectID == subject {
			out = append(out, b.span)
		}
	}
	return out
}

func subjectZones(rules []model.WeeklyRule) map[string]string {
	zones := make(map[string]string)
	for _, r := range rules {
		if !r.Active || r.TimeZone == "" {
			continue
		}
		if _, ok := zones[r.SubjectID]; !ok {
			zones[r.SubjectID] = r.TimeZone
		}
	}
	return zones
}

// mergeSameTag merges touching or overlapping candidates whose tags are
// identical and returns everything in start order.
func mergeSameTag(in []Candidate) []Candidate {
	groups := make(map[Constraints][]Candidate)
	var order []Constraints
	for _, c := range in {
		if _, ok := groups[c.Tag]; !ok {
			order = append(order, c.Tag)
		}
		groups[c.Tag] = append(groups[c.Tag], c)
	}
	out := make([]Candidate, 0, len(in))
	for _, tag := range order {
		out = append(out, interval.Merge(groups[tag], nil)...)
	}
	return sortCandidates(out)
}

// sortCandidates orders by start, end, then source id for determinism.
func sortCandidates(in []Candidate) []Candidate {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b Candidate) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if c := a.End.Compare(b.End); c != 0 {
			return c
		}
		return strings.Compare(a.Tag.SourceID, b.Tag.SourceID)
	})
	return out
}
