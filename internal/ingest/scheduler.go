package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"slotcal/internal/ics"
	appLog "slotcal/internal/log"
	"slotcal/internal/model"
	"slotcal/internal/zoned"
)

var _ cron.Logger = appLog.CronLogger{}

// ErrUnknownSource is returned for ids that are not configured.
var ErrUnknownSource = errors.New("unknown source")

// Source is one configured feed.
type Source struct {
	ID       string
	Name     string
	URL      string
	TimeZone string
}

// Poller is the single-request fetch the scheduler drives.
type Poller interface {
	Poll(ctx context.Context, src model.ExternalCalendarSource) ics.PollResult
}

type Options struct {
	// Spec is a standard cron expression.
	Spec string

	Concurrency   int
	RatePerSecond float64
	// InitialBackoff and MaxBackoff bound the delay after failures.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HorizonDays is how far ahead recurring events are expanded.
	HorizonDays int
	Converter   *zoned.Converter
	Now         func() time.Time
}

// Scheduler polls feeds on a cron spec and keeps their busy entries in a
// CursorStore. Poll retries follow an exponential backoff; a source is
// skipped until its NextAttempt has passed.
type Scheduler struct {
	poller  Poller
	store   CursorStore
	sources []Source
	opts    Options
	limiter *rate.Limiter

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cron *cron.Cron
}

func NewScheduler(poller Poller, store CursorStore, sources []Source, opts Options) *Scheduler {
	if opts.Spec == "" {
		opts.Spec = "*/15 * * * *"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Minute
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 90
	}
	if opts.Converter == nil {
		opts.Converter = zoned.NewConverter(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		poller:  poller,
		store:   store,
		sources: slices.Clone(sources),
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Start registers the poll job and starts the cron runner. Runs that
// would overlap a still-running one are skipped. The runner stops when
// ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := appLog.CronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.opts.Spec, func() {
		if err := s.PollAll(ctx); err != nil {
			appLog.Error("scheduled poll finished with errors", err)
		}
	}); err != nil {
		return fmt.Errorf("refresh spec %q: %w", s.opts.Spec, err)
	}
	s.cron = c
	c.Start()
	appLog.Info("feed scheduler started", "spec", s.opts.Spec, "sources", len(s.sources))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// PollAll polls every due source with bounded concurrency. One source's
// failure does not stop the others; store errors are joined.
func (s *Scheduler) PollAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	now := s.opts.Now()
	for _, src := range s.sources {
		st, ok, err := s.store.Load(ctx, src.ID)
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
			mu.Unlock()
			continue
		}
		if ok && st.NextAttempt.After(now) {
			appLog.Debug("source backing off", "id", src.ID, "next_attempt", st.NextAttempt)
			continue
		}
		g.Go(func() error {
			if _, err := s.poll(ctx, src); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// PollOne polls a single source now, ignoring its backoff.
func (s *Scheduler) PollOne(ctx context.Context, id string) (SourceState, error) {
	for _, src := range s.sources {
		if src.ID == id {
			return s.poll(ctx, src)
		}
	}
	return SourceState{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
}

func (s *Scheduler) lock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func (s *Scheduler) poll(ctx context.Context, src Source) (SourceState, error) {
	l := s.lock(src.ID)
	l.Lock()
	defer l.Unlock()

	st, ok, err := s.store.Load(ctx, src.ID)
	if err != nil {
		return SourceState{}, err
	}
	if !ok || st.Source.URL != src.URL {
		// New source, or its URL changed: the old cursor means nothing.
		st = SourceState{Source: model.ExternalCalendarSource{SourceID: src.ID, URL: src.URL}}
	}
	st.Name = src.Name
	st.Source.TimeZone = src.TimeZone

	if err := s.limiter.Wait(ctx); err != nil {
		return st, err
	}

	res := s.poller.Poll(ctx, st.Source)
	now := s.opts.Now()
	st.LastPolled = now
	if res.Error == nil {
		st.Source = res.Cursor(st.Source)
	}

	switch {
	case res.Error != nil:
		st.LastError = res.Error
		st.Failures++
		st.NextAttempt = now.Add(s.backoff(st.Failures, res.Error.Retriable))
	case res.Status == ics.StatusUpdated:
		if res.RawBodyHash != st.RawBodyHash {
			st.Events = res.Events
			st.RawBodyHash = res.RawBodyHash
			st.LastUpdated = now
		}
		fallthrough
	default:
		st.LastError = nil
		st.Failures = 0
		st.NextAttempt = time.Time{}
	}

	// Re-expand on every successful poll: the horizon moves with time.
	if res.Error == nil {
		s.expand(&st, now)
	}

	if err := s.store.Save(ctx, st); err != nil {
		return st, err
	}
	appLog.Debug("source polled", "id", src.ID, "status", res.Status, "entries", len(st.Entries), "failures", st.Failures)
	return st, nil
}

func (s *Scheduler) expand(st *SourceState, now time.Time) {
	res, err := ics.ExpandBusy(st.Source.SourceID, st.Events, ics.ExpandConfig{
		RangeStart: now.Add(-24 * time.Hour),
		RangeEnd:   now.AddDate(0, 0, s.opts.HorizonDays),
		Converter:  s.opts.Converter,
	})
	if err != nil {
		appLog.Error("expand feed failed", err, "id", st.Source.SourceID)
		return
	}
	st.Entries = res.Entries
	st.Truncated = res.TruncatedUIDs
}

// backoff is the delay before attempt n+1. Non-retriable failures wait the
// maximum; they need the source fixed, not another try.
func (s *Scheduler) backoff(failures int, retriable bool) time.Duration {
	if !retriable {
		return s.opts.MaxBackoff
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.RandomizationFactor = 0.2
	var d time.Duration
	for range failures {
		d = b.NextBackOff()
	}
	return min(d, s.opts.MaxBackoff)
}

// States lists stored state for every configured source, in config order.
// Stored state of sources no longer configured is left out.
func (s *Scheduler) States(ctx context.Context) ([]SourceState, error) {
	stored, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]SourceState, len(stored))
	for _, st := range stored {
		byID[st.Source.SourceID] = st
	}

	out := make([]SourceState, 0, len(s.sources))
	for _, src := range s.sources {
		st, ok := byID[src.ID]
		if !ok {
			st = SourceState{Name: src.Name, Source: model.ExternalCalendarSource{SourceID: src.ID, URL: src.URL, TimeZone: src.TimeZone}}
		}
		delete(byID, src.ID)
		out = append(out, st)
	}
	for id := range byID {
		appLog.Debug("stored state for unconfigured source", "id", id)
	}
	return out, nil
}

// BusyFor returns the stored busy entries of the given sources, or of all
// configured sources when ids is empty.
func (s *Scheduler) BusyFor(ctx context.Context, ids ...string) ([]model.ExternalBusyEntry, error) {
	if len(ids) == 0 {
		for _, src := range s.sources {
			ids = append(ids, src.ID)
		}
	}
	var out []model.ExternalBusyEntry
	for _, id := range ids {
		if !s.known(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
		}
		st, ok, err := s.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, st.Entries...)
		}
	}
	slices.SortStableFunc(out, func(a, b model.ExternalBusyEntry) int {
		return a.StartUTC.Compare(b.StartUTC)
	})
	return out, nil
}

func (s *Scheduler) known(id string) bool {
	return slices.ContainsFunc(s.sources, func(src Source) bool { return src.ID == id })
}
