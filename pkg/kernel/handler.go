package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxBodyBytes caps the management request body.
const MaxBodyBytes = 8 * 1024

// Handler is the single management HTTP surface for the embedded kernel. It
// accepts POST envelopes, resolves transport facts, and hands off to the
// router pipeline.
type Handler struct {
	router *Router
}

// NewHandler wraps a router as an http.Handler.
func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-Id", requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, &Response{
			OK:        false,
			RequestID: requestID,
			Code:      CodeValidationError,
			Error:     "method not allowed; use POST",
		})
		return
	}

	// Feature gate comes before any body handling so a disabled kernel costs
	// a single env read per request.
	if !h.router.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, &Response{
			OK:        false,
			RequestID: requestID,
			Code:      CodeFeatureDisabled,
			Error:     "management endpoint is disabled",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, &Response{
				OK:        false,
				RequestID: requestID,
				Code:      CodeValidationError,
				Error:     fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, &Response{
			OK:        false,
			RequestID: requestID,
			Code:      CodeValidationError,
			Error:     "request body must be a JSON object",
		})
		return
	}

	req, err := decodeEnvelope(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &Response{
			OK:        false,
			RequestID: requestID,
			Code:      CodeValidationError,
			Error:     err.Error(),
		})
		return
	}

	meta := &RequestMeta{
		APIKey:    r.Header.Get("X-API-Key"),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Start:     start,
		RequestID: requestID,
	}

	resp := h.router.Dispatch(r.Context(), req, meta)
	writeJSON(w, resp.HTTPStatus(), resp)
}

// decodeEnvelope validates the envelope field types explicitly so a wrongly
// typed field reports which one, not a generic unmarshal error.
func decodeEnvelope(raw map[string]json.RawMessage) (*Request, error) {
	req := &Request{}

	actionRaw, ok := raw["action"]
	if !ok {
		return nil, fmt.Errorf("envelope: action is required")
	}
	if err := json.Unmarshal(actionRaw, &req.Action); err != nil || req.Action == "" {
		return nil, fmt.Errorf("envelope: action must be a non-empty string")
	}

	if p, ok := raw["params"]; ok && string(p) != "null" {
		if err := json.Unmarshal(p, &req.Params); err != nil {
			return nil, fmt.Errorf("envelope: params must be an object")
		}
	}
	if k, ok := raw["idempotency_key"]; ok && string(k) != "null" {
		if err := json.Unmarshal(k, &req.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("envelope: idempotency_key must be a string")
		}
	}
	if d, ok := raw["dry_run"]; ok && string(d) != "null" {
		if err := json.Unmarshal(d, &req.DryRun); err != nil {
			return nil, fmt.Errorf("envelope: dry_run must be a boolean")
		}
	}
	return req, nil
}

// clientIP resolves the caller address, preferring the first hop of
// X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
