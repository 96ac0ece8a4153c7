package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotcal/internal/ics"
	"slotcal/internal/model"
)

type fakePoller struct {
	mu      sync.Mutex
	results map[string][]ics.PollResult
	seen    []model.ExternalCalendarSource
}

func (f *fakePoller) Poll(_ context.Context, src model.ExternalCalendarSource) ics.PollResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, src)
	queue := f.results[src.SourceID]
	if len(queue) == 0 {
		return ics.PollResult{SourceID: src.SourceID, Status: ics.StatusUnchanged, ETag: src.ETag, LastModified: src.LastModified}
	}
	res := queue[0]
	f.results[src.SourceID] = queue[1:]
	return res
}

func (f *fakePoller) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

var schedNow = utc("2025-05-20T16:00:00Z")

func standup(uid, start string) ics.Event {
	s := utc(start)
	return ics.Event{UID: uid, Start: s, End: s.Add(30 * time.Minute), TimeZone: "UTC", Busy: true}
}

func updated(etag string, events ...ics.Event) ics.PollResult {
	return ics.PollResult{Status: ics.StatusUpdated, ETag: etag, Events: events, RawBodyHash: "hash-" + etag}
}

func newTestScheduler(p Poller, store CursorStore, c *clock, sources ...Source) *Scheduler {
	return NewScheduler(p, store, sources, Options{
		RatePerSecond:  1000,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Hour,
		HorizonDays:    14,
		Now:            c.Now,
	})
}

func TestPollOneUpdatesCursorAndEntries(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: schedNow}
	p := &fakePoller{results: map[string][]ics.PollResult{
		"cxs_1": {updated(`"v1"`,
			standup("a", "2025-05-21T13:00:00Z"),
			standup("past", "2025-05-01T13:00:00Z"),
		)},
	}}
	store := NewMemoryStore()
	s := newTestScheduler(p, store, c, Source{ID: "cxs_1", Name: "Team", URL: "https://cal.example.com/a.ics", TimeZone: "America/New_York"})

	st, err := s.PollOne(ctx, "cxs_1")
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, st.Source.ETag)
	assert.Equal(t, "America/New_York", st.Source.TimeZone)
	assert.Equal(t, "Team", st.Name)
	assert.Equal(t, "hash-\"v1\"", st.RawBodyHash)
	assert.Equal(t, schedNow, st.LastUpdated)
	assert.Zero(t, st.Failures)
	require.Len(t, st.Entries, 1, "events outside the horizon are dropped")
	assert.Equal(t, "a", st.Entries[0].UID)
	assert.Equal(t, "cxs_1", st.Entries[0].SourceID)

	stored, ok, err := store.Load(ctx, "cxs_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, stored)

	// The stored cursor goes out with the next request.
	c.now = schedNow.Add(time.Hour)
	st, err = s.PollOne(ctx, "cxs_1")
	require.NoError(t, err)
	require.Len(t, p.seen, 2)
	assert.Equal(t, `"v1"`, p.seen[1].ETag)
	assert.Equal(t, schedNow, st.LastUpdated, "unchanged poll keeps the last update time")
	assert.Equal(t, schedNow.Add(time.Hour), st.LastPolled)
	assert.Len(t, st.Entries, 1)
}

func TestPollOneUnknownSource(t *testing.T) {
	s := newTestScheduler(&fakePoller{}, NewMemoryStore(), &clock{now: schedNow})
	_, err := s.PollOne(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestPollFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: schedNow}
	fail := ics.PollResult{Status: ics.StatusUnchanged, Error: &ics.PollError{Message: "upstream returned 503", Retriable: true, StatusCode: 503}}
	p := &fakePoller{results: map[string][]ics.PollResult{
		"cxs_1": {updated(`"v1"`, standup("a", "2025-05-21T13:00:00Z")), fail, fail},
	}}
	s := newTestScheduler(p, NewMemoryStore(), c, Source{ID: "cxs_1", URL: "https://cal.example.com/a.ics"})

	_, err := s.PollOne(ctx, "cxs_1")
	require.NoError(t, err)

	st, err := s.PollOne(ctx, "cxs_1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failures)
	require.NotNil(t, st.LastError)
	assert.Equal(t, 503, st.LastError.StatusCode)
	assert.Len(t, st.Entries, 1, "entries survive a failed poll")
	first := st.NextAttempt.Sub(schedNow)
	assert.Greater(t, first, time.Duration(0))
	assert.LessOrEqual(t, first, 72*time.Second)

	// PollAll leaves the source alone until NextAttempt.
	require.NoError(t, s.PollAll(ctx))
	assert.Equal(t, 2, p.calls())

	c.now = st.NextAttempt
	require.NoError(t, s.PollAll(ctx))
	assert.Equal(t, 3, p.calls())

	st, _, err = s.store.Load(ctx, "cxs_1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Failures)
	assert.Greater(t, st.NextAttempt.Sub(c.now), first/2)

	// Success clears the failure state.
	c.now = st.NextAttempt
	st, err = s.PollOne(ctx, "cxs_1")
	require.NoError(t, err)
	assert.Zero(t, st.Failures)
	assert.Nil(t, st.LastError)
	assert.True(t, st.NextAttempt.IsZero())
}

func TestNonRetriableWaitsMaxBackoff(t *testing.T) {
	c := &clock{now: schedNow}
	p := &fakePoller{results: map[string][]ics.PollResult{
		"cxs_1": {{Status: ics.StatusUnchanged, Error: &ics.PollError{Message: "upstream returned 404", StatusCode: 404}}},
	}}
	s := newTestScheduler(p, NewMemoryStore(), c, Source{ID: "cxs_1", URL: "https://cal.example.com/a.ics"})

	st, err := s.PollOne(context.Background(), "cxs_1")
	require.NoError(t, err)
	assert.Equal(t, schedNow.Add(time.Hour), st.NextAttempt)
}

func TestBackoffIsCapped(t *testing.T) {
	s := newTestScheduler(&fakePoller{}, NewMemoryStore(), &clock{now: schedNow})
	for n := 1; n <= 20; n++ {
		d := s.backoff(n, true)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Hour)
	}
}

func TestURLChangeResetsCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, SourceState{
		Source:      model.ExternalCalendarSource{SourceID: "cxs_1", URL: "https://old.example.com/a.ics", ETag: `"old"`},
		RawBodyHash: "old",
	}))
	p := &fakePoller{}
	s := newTestScheduler(p, store, &clock{now: schedNow}, Source{ID: "cxs_1", URL: "https://new.example.com/a.ics"})

	_, err := s.PollOne(ctx, "cxs_1")
	require.NoError(t, err)
	require.Len(t, p.seen, 1)
	assert.Empty(t, p.seen[0].ETag)
	assert.Equal(t, "https://new.example.com/a.ics", p.seen[0].URL)
}

func TestPollAllAndBusyFor(t *testing.T) {
	ctx := context.Background()
	p := &fakePoller{results: map[string][]ics.PollResult{
		"a": {updated("1", standup("a1", "2025-05-22T15:00:00Z"))},
		"b": {updated("1", standup("b1", "2025-05-21T09:00:00Z"), standup("b2", "2025-05-23T09:00:00Z"))},
		"c": {{Status: ics.StatusUnchanged, Error: &ics.PollError{Message: "boom", Retriable: true}}},
	}}
	s := newTestScheduler(p, NewMemoryStore(), &clock{now: schedNow},
		Source{ID: "a", URL: "https://cal.example.com/a.ics"},
		Source{ID: "b", URL: "https://cal.example.com/b.ics"},
		Source{ID: "c", URL: "https://cal.example.com/c.ics"},
	)

	require.NoError(t, s.PollAll(ctx))
	assert.Equal(t, 3, p.calls())

	all, err := s.BusyFor(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b1", "a1", "b2"}, []string{all[0].UID, all[1].UID, all[2].UID})

	onlyA, err := s.BusyFor(ctx, "a")
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "a", onlyA[0].SourceID)

	_, err = s.BusyFor(ctx, "zzz")
	assert.ErrorIs(t, err, ErrUnknownSource)

	states, err := s.States(ctx)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, "c", states[2].Source.SourceID)
	assert.Equal(t, 1, states[2].Failures)
}

func TestStatesSkipsUnconfiguredSources(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, sampleState("retired")))
	require.NoError(t, store.Save(ctx, sampleState("team")))

	s := newTestScheduler(&fakePoller{}, store, &clock{now: schedNow},
		Source{ID: "team", URL: "https://calendar.example.com/team.ics"},
		Source{ID: "fresh", Name: "Fresh", URL: "https://calendar.example.com/fresh.ics"},
	)
	states, err := s.States(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "team", states[0].Source.SourceID)
	assert.Equal(t, 2, states[0].Failures)
	assert.Equal(t, "fresh", states[1].Source.SourceID)
	assert.Equal(t, "Fresh", states[1].Name)
	assert.Zero(t, states[1].Failures)
}

type failingStore struct{ *MemoryStore }

func (failingStore) Save(context.Context, SourceState) error { return errors.New("disk full") }

func TestPollAllJoinsStoreErrors(t *testing.T) {
	s := newTestScheduler(&fakePoller{}, failingStore{NewMemoryStore()}, &clock{now: schedNow},
		Source{ID: "a", URL: "https://cal.example.com/a.ics"},
		Source{ID: "b", URL: "https://cal.example.com/b.ics"},
	)
	err := s.PollAll(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "a: disk full")
	assert.ErrorContains(t, err, "b: disk full")
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewScheduler(&fakePoller{}, NewMemoryStore(), nil, Options{Spec: "every tuesday"})
	assert.Error(t, s.Start(context.Background()))
}

func TestSchedulerWithHTTPPoller(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" +
			"BEGIN:VEVENT\r\nUID:weekly\r\n" +
			"DTSTART;TZID=America/New_York:20250519T090000\r\n" +
			"DTEND;TZID=America/New_York:20250519T100000\r\n" +
			"RRULE:FREQ=WEEKLY;COUNT=4\r\n" +
			"END:VEVENT\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	c := &clock{now: schedNow}
	poller := ics.NewPoller(ics.PollerOptions{Client: srv.Client(), Now: c.Now})
	s := newTestScheduler(poller, NewMemoryStore(), c, Source{ID: "team", URL: srv.URL})

	st, err := s.PollOne(context.Background(), "team")
	require.NoError(t, err)
	require.Nil(t, st.LastError)
	// 05-19 ends before the horizon starts; 05-26, 06-02 fall inside 14 days.
	require.Len(t, st.Entries, 2)
	assert.Equal(t, utc("2025-05-26T13:00:00Z"), st.Entries[0].StartUTC)
	assert.Equal(t, utc("2025-06-02T13:00:00Z"), st.Entries[1].StartUTC)

	st, err = s.PollOne(context.Background(), "team")
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
	assert.Len(t, st.Entries, 2)
}
