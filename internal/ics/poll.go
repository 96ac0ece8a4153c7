package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	appLog "slotcal/internal/log"
	"slotcal/internal/model"
	"slotcal/internal/zoned"
)

const (
	DefaultMaxFeedBytes int64 = 5_000_000
	DefaultFetchTimeout       = 15 * time.Second
	defaultUserAgent          = "slotcal-poller/1.0"
)

// Status is the outcome of a poll as far as the cursor is concerned.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusUpdated   Status = "updated"
)

// PollError describes a failed poll. Retriable failures may be tried
// again later; the others need the source to be fixed first.
type PollError struct {
	Message    string `json:"message"`
	Retriable  bool   `json:"retriable"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (e *PollError) Error() string {
	return e.Message
}

// PollResult is returned by every poll, including failed ones. ETag and
// LastModified hold the cursor the caller should store next.
type PollResult struct {
	SourceID     string     `json:"source_id"`
	Status       Status     `json:"status"`
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"last_modified,omitempty"`
	Events       []Event    `json:"events"`
	RawBodyHash  string     `json:"raw_body_hash,omitempty"`
	FetchedAt    time.Time  `json:"fetched_at"`
	Error        *PollError `json:"error,omitempty"`
}

// Cursor returns src with the result's cursor applied.
func (r PollResult) Cursor(src model.ExternalCalendarSource) model.ExternalCalendarSource {
	src.ETag = r.ETag
	src.LastModified = r.LastModified
	return src
}

type PollerOptions struct {
	// Client defaults to an instrumented client with Timeout.
	Client    *http.Client
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	// DefaultZone is used for sources without a zone of their own.
	DefaultZone string
	Converter   *zoned.Converter
	Now         func() time.Time
}

// Poller performs one conditional GET per Poll call. It owns no
// goroutines and never retries on its own.
type Poller struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	zone      string
	conv      *zoned.Converter
	now       func() time.Time
}

func NewPoller(opts PollerOptions) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxFeedBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Converter == nil {
		opts.Converter = zoned.NewConverter(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		client:    opts.Client,
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		zone:      opts.DefaultZone,
		conv:      opts.Converter,
		now:       opts.Now,
	}
}

// Poll fetches src using its stored cursor. Failures are reported in the
// result; the prior cursor is kept for everything except a fresh 2xx body.
func (p *Poller) Poll(ctx context.Context, src model.ExternalCalendarSource) PollResult {
	res := PollResult{
		SourceID:     src.SourceID,
		Status:       StatusUnchanged,
		ETag:         src.ETag,
		LastModified: src.LastModified,
		Events:       []Event{},
		FetchedAt:    p.now().UTC(),
	}
	fail := func(retriable bool, code int, format string, args ...any) PollResult {
		res.Error = &PollError{Message: fmt.Sprintf(format, args...), Retriable: retriable, StatusCode: code}
		appLog.Error("feed poll failed", res.Error, "id", src.SourceID, "url", redactURL(src.URL), "retriable", retriable)
		return res
	}

	if src.URL == "" {
		return fail(false, 0, "source %s has no url", src.SourceID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fail(false, 0, "build request: %v", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		req.Header.Set("If-Modified-Since", src.LastModified)
	}

	appLog.Debug("feed poll start", "id", src.SourceID, "url", redactURL(src.URL))

	resp, err := p.client.Do(req)
	if err != nil {
		// Cancellation by the caller is not worth retrying on our own.
		retriable := !errors.Is(err, context.Canceled)
		return fail(retriable, 0, "fetch: %v", redactErr(err, src.URL))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if v := resp.Header.Get("ETag"); v != "" {
			res.ETag = v
		}
		if v := resp.Header.Get("Last-Modified"); v != "" {
			res.LastModified = v
		}
		appLog.Debug("feed not modified", "id", src.SourceID)
		return res
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		retriable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return fail(retriable, resp.StatusCode, "fetch failed with status %d", resp.StatusCode)
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > p.maxBytes {
			return fail(false, resp.StatusCode, "payload of %d bytes exceeds limit of %d", n, p.maxBytes)
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return fail(true, resp.StatusCode, "read body: %v", err)
	}
	if int64(len(body)) > p.maxBytes {
		return fail(false, resp.StatusCode, "payload exceeds limit of %d bytes", p.maxBytes)
	}

	zone := src.TimeZone
	if zone == "" {
		zone = p.zone
	}
	events, err := ParseFeed(body, ParseOptions{DefaultZone: zone, Converter: p.conv})
	if err != nil {
		return fail(false, resp.StatusCode, "%v", err)
	}

	sum := sha256.Sum256(body)
	res.Status = StatusUpdated
	res.ETag = resp.Header.Get("ETag")
	res.LastModified = resp.Header.Get("Last-Modified")
	res.Events = events
	res.RawBodyHash = hex.EncodeToString(sum[:])

	appLog.Info("feed updated", "id", src.SourceID, "url", redactURL(src.URL), "events", len(events), "bytes", len(body))
	return res
}

// redactErr keeps url.Error messages from echoing the full feed URL.
func redactErr(err error, rawURL string) string {
	msg := err.Error()
	if rawURL == "" {
		return msg
	}
	return strings.ReplaceAll(msg, rawURL, redactURL(rawURL))
}
