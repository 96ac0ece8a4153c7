package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotcal/internal/model"
)

var fixedNow = utc("2025-05-20T16:00:00Z")

func testPoller(opts PollerOptions) *Poller {
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	return NewPoller(opts)
}

func TestPollUpdated(t *testing.T) {
	body := feed(
		"BEGIN:VEVENT",
		"UID:evt-1",
		"DTSTART;TZID=America/New_York:20250310T090000",
		"DTEND;TZID=America/New_York:20250310T100000",
		"END:VEVENT",
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Last-Modified", "Tue, 20 May 2025 15:00:00 GMT")
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	res := testPoller(PollerOptions{}).Poll(context.Background(), model.ExternalCalendarSource{SourceID: "cxs_1", URL: srv.URL})
	require.Nil(t, res.Error)
	assert.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, "cxs_1", res.SourceID)
	assert.Equal(t, `"v2"`, res.ETag)
	assert.Equal(t, "Tue, 20 May 2025 15:00:00 GMT", res.LastModified)
	assert.Equal(t, fixedNow, res.FetchedAt)

	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.RawBodyHash)
	require.Len(t, res.Events, 1)
	assert.Equal(t, utc("2025-03-10T13:00:00Z"), res.Events[0].Start)
}

func TestPollNotModifiedKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		assert.Equal(t, "Mon, 19 May 2025 10:00:00 GMT", r.Header.Get("If-Modified-Since"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	src := model.ExternalCalendarSource{
		SourceID: "cxs_1", URL: srv.URL, ETag: `"v1"`, LastModified: "Mon, 19 May 2025 10:00:00 GMT",
	}
	res := testPoller(PollerOptions{}).Poll(context.Background(), src)
	require.Nil(t, res.Error)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Empty(t, res.Events)
	assert.Empty(t, res.RawBodyHash)
	assert.Equal(t, src, res.Cursor(src))
}

func TestPollFailureStatuses(t *testing.T) {
	tests := []struct {
		code      int
		retriable bool
	}{
		{code: http.StatusInternalServerError, retriable: true},
		{code: http.StatusBadGateway, retriable: true},
		{code: http.StatusTooManyRequests, retriable: true},
		{code: http.StatusNotFound, retriable: false},
		{code: http.StatusForbidden, retriable: false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			src := model.ExternalCalendarSource{SourceID: "s", URL: srv.URL, ETag: `"old"`}
			res := testPoller(PollerOptions{}).Poll(context.Background(), src)
			require.NotNil(t, res.Error)
			assert.Equal(t, StatusUnchanged, res.Status)
			assert.Equal(t, tt.retriable, res.Error.Retriable)
			assert.Equal(t, tt.code, res.Error.StatusCode)
			assert.Equal(t, `"old"`, res.ETag)
			assert.Empty(t, res.Events)
		})
	}
}

func TestPollRejectsOversizedPayload(t *testing.T) {
	big := strings.Repeat("X", 4096)

	t.Run("declared length", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "4096")
			_, _ = w.Write([]byte(big))
		}))
		defer srv.Close()

		res := testPoller(PollerOptions{MaxBytes: 1024}).Poll(context.Background(), model.ExternalCalendarSource{SourceID: "s", URL: srv.URL})
		require.NotNil(t, res.Error)
		assert.False(t, res.Error.Retriable)
		assert.Contains(t, res.Error.Message, "exceeds")
		assert.Equal(t, StatusUnchanged, res.Status)
	})

	t.Run("streamed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for i := 0; i < 4; i++ {
				_, _ = w.Write([]byte(big))
				w.(http.Flusher).Flush()
			}
		}))
		defer srv.Close()

		res := testPoller(PollerOptions{MaxBytes: 1024}).Poll(context.Background(), model.ExternalCalendarSource{SourceID: "s", URL: srv.URL})
		require.NotNil(t, res.Error)
		assert.False(t, res.Error.Retriable)
		assert.Contains(t, res.Error.Message, "exceeds")
	})
}

func TestPollUsesSourceZone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(feed("BEGIN:VEVENT", "UID:floating", "DTSTART:20250522T090000", "END:VEVENT"))
	}))
	defer srv.Close()

	p := testPoller(PollerOptions{DefaultZone: "UTC"})
	res := p.Poll(context.Background(), model.ExternalCalendarSource{SourceID: "s", URL: srv.URL, TimeZone: "Asia/Seoul"})
	require.Nil(t, res.Error)
	require.Len(t, res.Events, 1)
	assert.Equal(t, utc("2025-05-22T00:00:00Z"), res.Events[0].Start)

	res = p.Poll(context.Background(), model.ExternalCalendarSource{SourceID: "s", URL: srv.URL})
	require.Len(t, res.Events, 1)
	assert.Equal(t, utc("2025-05-22T09:00:00Z"), res.Events[0].Start)
}

func TestPollCancelledAndMisconfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := testPoller(PollerOptions{}).Poll(ctx, model.ExternalCalendarSource{SourceID: "s", URL: srv.URL})
	require.NotNil(t, res.Error)
	assert.False(t, res.Error.Retriable)

	res = testPoller(PollerOptions{}).Poll(context.Background(), model.ExternalCalendarSource{SourceID: "s"})
	require.NotNil(t, res.Error)
	assert.False(t, res.Error.Retriable)
}

func TestPollNetworkErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL + "/private/token.ics"
	srv.Close()

	res := testPoller(PollerOptions{Timeout: time.Second}).Poll(context.Background(), model.ExternalCalendarSource{SourceID: "s", URL: url})
	require.NotNil(t, res.Error)
	assert.True(t, res.Error.Retriable)
	assert.NotContains(t, res.Error.Message, "token.ics")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)", redactURL("https://calendar.example.com/private/abc.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
