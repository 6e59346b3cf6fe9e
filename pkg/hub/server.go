package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// Request body bounds.
const (
	MaxAuthorizeBodyBytes = 8 * 1024
	MaxParamsSummaryBytes = 4 * 1024
	MaxIngestBodyBytes    = 1 << 20
)

type ctxKey int

const kernelCtxKey ctxKey = iota

// Server exposes the hub API over chi.
type Server struct {
	engine   *Engine
	ingest   *Ingest
	registry *Registry
	store    Store
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
}

// Bounds on the per-IP limiter map.
const (
	maxLimiterEntries = 10000
	limiterIdleAfter  = 10 * time.Minute
)

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ServerOption customises the server.
type ServerOption func(*Server)

// WithRateLimit sets the per-client-IP request rate (default 50 rps, burst 100).
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rps = rate.Limit(rps)
		s.burst = burst
	}
}

// WithServerLogger overrides the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer wires the hub components behind the HTTP API.
func NewServer(engine *Engine, ingest *Ingest, registry *Registry, store Store, opts ...ServerOption) *Server {
	s := &Server{
		engine:   engine,
		ingest:   ingest,
		registry: registry,
		store:    store,
		logger:   slog.Default(),
		limiters: make(map[string]*ipLimiter),
		rps:      50,
		burst:    100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticateKernel)
		r.Post("/authorize", s.handleAuthorize)
		r.Post("/audit/ingest", s.handleIngest)
		r.Get("/audit/query", s.handleAuditQuery)
		r.Get("/audit/events/{event_id}", s.handleAuditEvent)
		r.Post("/revoke", s.handleRevoke)
		r.Get("/revocations/snapshot", s.handleRevocationSnapshot)
		r.Post("/heartbeat", s.handleHeartbeat)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientAddr(r)).Allow() {
			s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		if len(s.limiters) >= maxLimiterEntries {
			s.evictIdleLimiters(now)
		}
		l = &ipLimiter{lim: rate.NewLimiter(s.rps, s.burst)}
		s.limiters[ip] = l
	}
	l.lastSeen = now
	return l.lim
}

// evictIdleLimiters drops entries idle longer than limiterIdleAfter; if the
// map is still at capacity afterwards it is reset, which restarts every
// client's bucket. Caller holds s.mu.
func (s *Server) evictIdleLimiters(now time.Time) {
	for ip, l := range s.limiters {
		if now.Sub(l.lastSeen) > limiterIdleAfter {
			delete(s.limiters, ip)
		}
	}
	if len(s.limiters) >= maxLimiterEntries {
		s.limiters = make(map[string]*ipLimiter)
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticateKernel resolves the bearer kernel API key to an inventory record.
func (s *Server) authenticateKernel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if bearer == "" || bearer == r.Header.Get("Authorization") {
			s.writeError(w, http.StatusUnauthorized, "INVALID_API_KEY", "missing bearer token")
			return
		}
		kernel, err := s.registry.Authenticate(r.Context(), bearer)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.writeError(w, http.StatusUnauthorized, "INVALID_API_KEY", "unknown kernel credential")
				return
			}
			s.logger.Error("kernel authentication failed", "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "GOVERNANCE_UNAVAILABLE", "authentication backend unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), kernelCtxKey, kernel)))
	})
}

func kernelFrom(r *http.Request) *KernelRecord {
	kernel, _ := r.Context().Value(kernelCtxKey).(*KernelRecord)
	return kernel
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	kernel := kernelFrom(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxAuthorizeBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "request body exceeds 8KB")
			return
		}
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unreadable body")
		return
	}

	var req contracts.AuthorizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed authorize request")
		return
	}
	if req.Action == "" || req.TenantID == "" || req.RequestHash == "" {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "action, tenant_id and request_hash are required")
		return
	}
	if req.ParamsSummary != nil {
		summary, err := json.Marshal(req.ParamsSummary)
		if err != nil || len(summary) > MaxParamsSummaryBytes {
			s.writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "params_summary exceeds 4KB")
			return
		}
	}

	decision, err := s.engine.Authorize(r.Context(), kernel, &req)
	if err != nil {
		s.logger.Error("authorize failed",
			"kernel_id", kernel.ID, "action", req.Action, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "GOVERNANCE_UNAVAILABLE", "decision engine unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	kernel := kernelFrom(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxIngestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "ingest body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unreadable body")
		return
	}

	events, err := DecodeIngestBody(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed audit payload")
		return
	}
	for _, event := range events {
		if event.KernelID == "" {
			event.KernelID = kernel.ID
		}
	}

	org, err := s.store.GetOrganisation(r.Context(), kernel.OrgID)
	if err != nil {
		s.logger.Error("ingest organisation lookup failed", "org_id", kernel.OrgID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "GOVERNANCE_UNAVAILABLE", "organisation lookup failed")
		return
	}

	resp := s.ingest.Accept(r.Context(), org, events)
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	kernel := kernelFrom(r)
	q := r.URL.Query()

	query := AuditQuery{
		OrgID:    kernel.OrgID,
		TenantID: q.Get("tenant"),
		Action:   q.Get("action"),
		Status:   q.Get("status"),
		From:     parseInt64(q.Get("from")),
		To:       parseInt64(q.Get("to")),
		Page:     int(parseInt64(q.Get("page"))),
		Limit:    int(parseInt64(q.Get("limit"))),
	}

	page, err := s.store.QueryAudit(r.Context(), query)
	if err != nil {
		s.logger.Error("audit query failed", "org_id", kernel.OrgID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "GOVERNANCE_UNAVAILABLE", "audit store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

// handleAuditEvent serves one event by id: the hot projection always, plus
// the full archived event when the organisation has cold storage for it.
func (s *Server) handleAuditEvent(w http.ResponseWriter, r *http.Request) {
	kernel := kernelFrom(r)
	eventID := chi.URLParam(r, "event_id")

	row, err := s.store.GetHotRow(r.Context(), kernel.OrgID, eventID)
	if errors.Is(err, ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown event id")
		return
	}
	if err != nil {
		s.logger.Error("audit event lookup failed", "event_id", eventID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "GOVERNANCE_UNAVAILABLE", "audit store unavailable")
		return
	}

	body := map[string]interface{}{"ok": true, "entry": row}
	if event, err := s.ingest.FetchArchived(r.Context(), eventID); err == nil {
		body["event"] = event
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	kernel := kernelFrom(r)

	var req contracts.RevokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxAuthorizeBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed revoke request")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "id is required")
		return
	}
	switch req.Type {
	case contracts.RevokeKey, contracts.RevokeTenant, contracts.RevokeKernel:
	default:
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "type must be key, tenant or kernel")
		return
	}

	version, err := s.store.AppendRevocation(r.Context(), kernel.OrgID, &Revocation{
		Type:     req.Type,
		TargetID: req.ID,
		Reason:   req.Reason,
	})
	if err != nil {
		s.logger.Error("revocation append failed", "org_id", kernel.OrgID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "GOVERNANCE_UNAVAILABLE", "revocation store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                  true,
		"revocations_version": version,
	})
}

func (s *Server) handleRevocationSnapshot(w http.ResponseWriter, r *http.Request) {
	kernel := kernelFrom(r)

	want := r.URL.Query().Get("kernelId")
	if want == "" {
		// Older kernels sent snake_case.
		want = r.URL.Query().Get("kernel_id")
	}
	if want != "" && want != kernel.ID {
		s.writeError(w, http.StatusForbidden, "POLICY_DENIED", "kernelId does not match credential")
		return
	}

	snap, err := s.store.RevocationSnapshot(r.Context(), kernel.OrgID)
	if err != nil {
		s.logger.Error("revocation snapshot failed", "org_id", kernel.OrgID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "GOVERNANCE_UNAVAILABLE", "revocation store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	kernel := kernelFrom(r)

	var req contracts.HeartbeatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxAuthorizeBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed heartbeat")
		return
	}

	resp, err := s.registry.Heartbeat(r.Context(), kernel, &req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.writeError(w, http.StatusServiceUnavailable, "GOVERNANCE_UNAVAILABLE", "registry unavailable")
			return
		}
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

type errorBody struct {
	OK    bool         `json:"ok"`
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TS      int64  `json:"ts"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{
		Error: errorPayload{Code: code, Message: message, TS: time.Now().UnixMilli()},
	})
}
