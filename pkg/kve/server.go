package kve

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// MaxExecuteBodyBytes caps the /execute request body.
const MaxExecuteBodyBytes = 64 * 1024

// KeyHMAC computes the peppered HMAC under which service keys are stored.
func KeyHMAC(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Server exposes the executor over HTTP.
type Server struct {
	executor *Executor
	store    Store
	pepper   []byte
	logger   *slog.Logger
}

// NewServer wires the executor behind POST /execute.
func NewServer(executor *Executor, store Store, pepper []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{executor: executor, store: store, pepper: pepper, logger: logger}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)

	r.Post("/execute", s.handleExecute)
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

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	key, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxExecuteBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeExecuteError(w, http.StatusRequestEntityTooLarge, CodeValidationError, "request body exceeds 64KB")
			return
		}
		s.writeExecuteError(w, http.StatusBadRequest, CodeValidationError, "unreadable body")
		return
	}

	var req contracts.ExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeExecuteError(w, http.StatusBadRequest, CodeValidationError, "malformed execute request")
		return
	}

	resp := s.executor.Execute(r.Context(), key, &req)
	status := http.StatusOK
	if !resp.OK {
		status = statusForCode(resp.ErrorCode)
	}
	s.writeJSON(w, status, resp)
}

// authenticate resolves the bearer service key; revoked and expired keys are
// invalid. Successful authentications stamp last_used_at best-effort.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*ServiceKey, bool) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" || bearer == r.Header.Get("Authorization") {
		s.writeExecuteError(w, http.StatusUnauthorized, CodeInvalidServiceKey, "missing bearer token")
		return nil, false
	}
	key, err := s.store.GetServiceKeyByHMAC(r.Context(), KeyHMAC(s.pepper, bearer))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.writeExecuteError(w, http.StatusUnauthorized, CodeInvalidServiceKey, "unknown service key")
			return nil, false
		}
		s.logger.Error("service key lookup failed", "error", err)
		s.writeExecuteError(w, http.StatusServiceUnavailable, CodeUpstreamError, "key store unavailable")
		return nil, false
	}
	if key.Status != ServiceKeyActive {
		s.writeExecuteError(w, http.StatusUnauthorized, CodeInvalidServiceKey, "service key is revoked")
		return nil, false
	}
	if key.Expired(time.Now()) {
		s.writeExecuteError(w, http.StatusUnauthorized, CodeInvalidServiceKey, "service key is expired")
		return nil, false
	}
	if err := s.store.TouchServiceKey(r.Context(), key.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("service key touch failed", "key_id", key.ID, "error", err)
	}
	return key, true
}

func statusForCode(code string) int {
	switch code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeActionNotAllowed, CodeTenantNotAllowed:
		return http.StatusForbidden
	case CodeIntegrationNotConfigured:
		return http.StatusNotFound
	case CodeCredentialUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeExecuteError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, &contracts.ExecuteResponse{
		Status:               contracts.StatusError,
		ErrorCode:            code,
		ErrorMessageRedacted: message,
	})
}
