package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"slotcal/internal/availability"
	"slotcal/internal/config"
	"slotcal/internal/ics"
	"slotcal/internal/ingest"
	appLog "slotcal/internal/log"
	"slotcal/internal/model"
)

const maxRequestBytes = 1 << 20

// Feeds is the part of the ingest scheduler the API reads.
type Feeds interface {
	BusyFor(ctx context.Context, ids ...string) ([]model.ExternalBusyEntry, error)
	States(ctx context.Context) ([]ingest.SourceState, error)
	PollOne(ctx context.Context, id string) (ingest.SourceState, error)
}

// Server exposes slot computation, outbound feeds and source status.
// /health 는 인증 없이 노출한다.
type Server struct {
	cfg    *config.Config
	engine *availability.Engine
	feeds  Feeds
	mux    *http.ServeMux

	// /api/sources 응답 캐시. 수동 poll 이 일어나면 비운다.
	sourcesMu    sync.RWMutex
	sourcesCache *sourcesCache
}

type sourcesCache struct {
	resp      []sourceDTO
	updatedAt time.Time
}

// NewServer wires the routes. feeds may be nil when no sources are
// configured.
func NewServer(cfg *config.Config, engine *availability.Engine, feeds Feeds) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		feeds:  feeds,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호는 비활성화로 취급한다.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="slotcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/slots", s.handleSlots)
	s.mux.HandleFunc("POST /api/feed.ics", s.handleFeed)
	s.mux.HandleFunc("GET /api/sources", s.handleSources)
	s.mux.HandleFunc("POST /api/sources/{id}/poll", s.handlePoll)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// slotsRequest is availability.Input plus the ids of polled sources whose
// busy entries are added to External. An empty list adds none.
type slotsRequest struct {
	availability.Input
	Sources []string `json:"sources,omitempty"`
}

// feedRequest renders the computed slots as an ICS feed.
type feedRequest struct {
	slotsRequest
	Feed struct {
		Name      string `json:"name,omitempty"`
		TimeZone  string `json:"time_zone,omitempty"`
		UIDPrefix string `json:"uid_prefix,omitempty"`
		Summary   string `json:"summary,omitempty"`
		// Token names the subscription; with feed.public_base_url set it
		// becomes the calendar URL.
		Token string `json:"token,omitempty"`
	} `json:"feed"`
}

// POST /api/slots
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	var req slotsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, ok := s.compute(w, r, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/feed.ics
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, ok := s.compute(w, r, req.slotsRequest)
	if !ok {
		return
	}

	prefix := req.Feed.UIDPrefix
	if prefix == "" {
		prefix = "slot"
	}
	zone := req.Feed.TimeZone
	if zone == "" && s.cfg != nil {
		zone = s.cfg.DefaultTimezone
	}
	events := ics.SlotEvents(res.Slots, prefix, req.Feed.Summary)
	for i := range events {
		events[i].TimeZone = zone
	}
	opts := ics.FeedOptions{
		Name:        req.Feed.Name,
		TimeZone:    zone,
		GeneratedAt: req.Request.Now,
	}
	if req.Feed.Token != "" && s.cfg != nil && s.cfg.Feed.PublicBaseURL != "" {
		u, err := ics.FeedURL(s.cfg.Feed.PublicBaseURL, req.Feed.Token, s.cfg.Feed.Path)
		if err != nil {
			writeFailure(w, err)
			return
		}
		opts.URL = u
		w.Header().Set("Content-Location", u)
	}
	body, err := ics.BuildFeed(opts, events)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) compute(w http.ResponseWriter, r *http.Request, req slotsRequest) (model.SlotResult, bool) {
	in := req.Input
	if len(req.Sources) > 0 {
		if s.feeds == nil {
			writeError(w, http.StatusNotFound, "no feed sources configured")
			return model.SlotResult{}, false
		}
		busy, err := s.feeds.BusyFor(r.Context(), req.Sources...)
		if err != nil {
			writeFailure(w, err)
			return model.SlotResult{}, false
		}
		in.External = append(in.External, busy...)
	}

	res, err := s.engine.Compute(in)
	if err != nil {
		writeFailure(w, err)
		return model.SlotResult{}, false
	}
	appLog.Debug("api slots request",
		"rules", len(in.Rules),
		"external", len(in.External),
		"slots", len(res.Slots),
		"truncated", res.Metadata.Truncated,
	)
	return res, true
}

// sourceDTO is the JSON view of one feed. The URL is left out since feed
// URLs usually embed a secret token.
type sourceDTO struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	ETag         string         `json:"etag,omitempty"`
	LastModified string         `json:"last_modified,omitempty"`
	RawBodyHash  string         `json:"raw_body_hash,omitempty"`
	LastPolled   *time.Time     `json:"last_polled,omitempty"`
	LastUpdated  *time.Time     `json:"last_updated,omitempty"`
	NextAttempt  *time.Time     `json:"next_attempt,omitempty"`
	Failures     int            `json:"failures"`
	LastError    *ics.PollError `json:"last_error,omitempty"`
	Events       int            `json:"events"`
	BusyEntries  int            `json:"busy_entries"`
	Truncated    []string       `json:"truncated_uids,omitempty"`
}

func toSourceDTO(st ingest.SourceState) sourceDTO {
	return sourceDTO{
		ID:           st.Source.SourceID,
		Name:         st.Name,
		ETag:         st.Source.ETag,
		LastModified: st.Source.LastModified,
		RawBodyHash:  st.RawBodyHash,
		LastPolled:   timePtr(st.LastPolled),
		LastUpdated:  timePtr(st.LastUpdated),
		NextAttempt:  timePtr(st.NextAttempt),
		Failures:     st.Failures,
		LastError:    st.LastError,
		Events:       len(st.Events),
		BusyEntries:  len(st.Entries),
		Truncated:    st.Truncated,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GET /api/sources
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil {
		writeJSON(w, http.StatusOK, []sourceDTO{})
		return
	}

	const sourcesCacheTTL = 5 * time.Second
	now := time.Now()

	s.sourcesMu.RLock()
	sc := s.sourcesCache
	s.sourcesMu.RUnlock()
	if sc != nil && now.Sub(sc.updatedAt) < sourcesCacheTTL {
		writeJSON(w, http.StatusOK, sc.resp)
		return
	}

	states, err := s.feeds.States(r.Context())
	if err != nil {
		appLog.Error("api sources: load states failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load sources")
		return
	}
	resp := make([]sourceDTO, 0, len(states))
	for _, st := range states {
		resp = append(resp, toSourceDTO(st))
	}

	s.sourcesMu.Lock()
	s.sourcesCache = &sourcesCache{resp: resp, updatedAt: now}
	s.sourcesMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// POST /api/sources/{id}/poll polls one source now, ignoring its backoff.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.feeds == nil {
		writeError(w, http.StatusNotFound, "no feed sources configured")
		return
	}
	id := r.PathValue("id")
	st, err := s.feeds.PollOne(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	s.sourcesMu.Lock()
	s.sourcesCache = nil
	s.sourcesMu.Unlock()

	appLog.Info("manual poll", "id", id, "failures", st.Failures, "entries", len(st.Entries))
	writeJSON(w, http.StatusOK, toSourceDTO(st))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeFailure maps domain errors onto status codes.
func writeFailure(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errResp{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, ingest.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		appLog.Error("api request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
