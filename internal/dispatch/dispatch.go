// Package dispatch is the data-plane HTTP front door: it maps each
// inbound request to a function identity, hands it to the executor,
// and translates the invocation error taxonomy onto HTTP status codes.
package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/fourlexboehm/faasta/internal/domain"
	"github.com/fourlexboehm/faasta/internal/executor"
	"github.com/fourlexboehm/faasta/internal/logging"
	"github.com/fourlexboehm/faasta/internal/sandbox"
)

// Handler routes data-plane traffic. Identity comes from the Host
// subdomain under the base domain ("hello.faasta.dev"), or from a
// "/fn/hello/..." path for local development and bare-domain access.
type Handler struct {
	executor   *executor.Executor
	baseDomain string
	maxBody    int64
}

// NewHandler creates the dispatcher. maxBody caps inbound bodies
// before the per-function limit applies.
func NewHandler(exec *executor.Executor, baseDomain string, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = int64(domain.DefaultMaxRequestKB) << 10
	}
	return &Handler{executor: exec, baseDomain: baseDomain, maxBody: maxBody}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, path, ok := h.identify(r)
	if !ok {
		writeError(w, http.StatusNotFound, "no function addressed by this host or path")
		return
	}
	if err := domain.ValidateFunctionName(name); err != nil {
		writeError(w, http.StatusNotFound, "invalid function name")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req := &sandbox.Request{
		Method:   r.Method,
		Path:     path,
		Query:    r.URL.RawQuery,
		Headers:  sanitizeHeaders(r.Header),
		Body:     body,
		ClientIP: clientIP(r),
	}

	resp, err := h.executor.Execute(r.Context(), name, req)
	if err != nil {
		h.writeTaxonomyError(w, name, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// identify resolves the function identity for a request. Subdomain
// routing wins; the /fn/ path form is the fallback on the base domain
// and unknown hosts.
func (h *Handler) identify(r *http.Request) (name, path string, ok bool) {
	if name, ok := domain.IdentityFromHost(r.Host, h.baseDomain); ok {
		return name, r.URL.Path, true
	}
	return domain.IdentityFromPath(r.URL.Path)
}

// writeTaxonomyError maps a classified invocation error onto HTTP.
func (h *Handler) writeTaxonomyError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, domain.ErrFunctionNotFound):
		writeError(w, http.StatusNotFound, "function not found")
	case errors.Is(err, domain.ErrAdmissionRejected):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "function is at its concurrency limit")
	case errors.Is(err, domain.ErrTimedOut):
		writeError(w, http.StatusGatewayTimeout, "function timed out")
	case errors.Is(err, domain.ErrResourceExceeded):
		writeError(w, http.StatusServiceUnavailable, "function exceeded its resource limits")
	case errors.Is(err, domain.ErrInvalidResponse):
		writeError(w, http.StatusBadGateway, "function returned an invalid response")
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "module store unavailable")
	default:
		// Compilation failures and faults are the function's bug, not
		// the caller's; details stay in the logs.
		logging.Op().Error("invocation failed", "function", name, "error", err)
		writeError(w, http.StatusInternalServerError, "function execution failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Hop-by-hop and host-internal headers never reach the guest.
var droppedHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Authorization":       true,
	"Cookie":              true,
}

func sanitizeHeaders(in http.Header) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		if droppedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		host = host[:idx]
	}
	return host
}
