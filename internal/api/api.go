// Package api is the control plane: publishing, unpublishing and
// inspecting functions. It shares a process with the dispatcher but
// not a surface; everything here requires a bearer token.
package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fourlexboehm/faasta/internal/auth"
	"github.com/fourlexboehm/faasta/internal/domain"
	"github.com/fourlexboehm/faasta/internal/executor"
	"github.com/fourlexboehm/faasta/internal/logging"
	"github.com/fourlexboehm/faasta/internal/store"
)

// wasmMagic is the binary module preamble.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Config bounds the deploy surface.
type Config struct {
	MaxModuleBytes       int64
	MaxFunctionsPerOwner int
}

// DefaultConfig returns the default deploy limits.
func DefaultConfig() Config {
	return Config{
		MaxModuleBytes:       30 << 20,
		MaxFunctionsPerOwner: 10,
	}
}

// Server serves the deploy API.
type Server struct {
	store      store.ModuleStore
	auth       auth.Authenticator
	stats      *executor.Stats
	cfg        Config
	invalidate func(name string) // fan-out to pool and peer nodes
}

// NewServer creates the control-plane server. invalidate is called
// after every publish and unpublish; it may be nil.
func NewServer(st store.ModuleStore, a auth.Authenticator, stats *executor.Stats, cfg Config, invalidate func(string)) *Server {
	if cfg.MaxModuleBytes <= 0 {
		cfg.MaxModuleBytes = DefaultConfig().MaxModuleBytes
	}
	if cfg.MaxFunctionsPerOwner <= 0 {
		cfg.MaxFunctionsPerOwner = DefaultConfig().MaxFunctionsPerOwner
	}
	if invalidate == nil {
		invalidate = func(string) {}
	}
	return &Server{store: st, auth: a, stats: stats, cfg: cfg, invalidate: invalidate}
}

// Routes returns the control-plane mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/publish/{name}", s.handlePublish)
	mux.HandleFunc("DELETE /v1/functions/{name}", s.handleUnpublish)
	mux.HandleFunc("GET /v1/functions", s.handleList)
	mux.HandleFunc("GET /v1/metrics/{name}", s.handleStats)
	return mux
}

// publishResponse is the body returned on a successful publish.
type publishResponse struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
	Hash    string `json:"hash"`
	Size    int    `json:"size"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	if err := domain.ValidateFunctionName(name); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	wasm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxModuleBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "module exceeds the size limit")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read module")
		return
	}
	if !bytes.HasPrefix(wasm, wasmMagic) {
		writeJSONError(w, http.StatusBadRequest, "body is not a wasm module")
		return
	}

	existing, err := s.store.Get(r.Context(), name)
	switch {
	case err == nil:
		if existing.Owner != owner {
			writeJSONError(w, http.StatusForbidden, "function belongs to another owner")
			return
		}
	case errors.Is(err, domain.ErrFunctionNotFound):
		// New function: enforce the per-owner quota.
		owned, err := s.store.List(r.Context(), owner)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if len(owned) >= s.cfg.MaxFunctionsPerOwner {
			writeJSONError(w, http.StatusForbidden, "function quota reached for this account")
			return
		}
	default:
		s.writeStoreError(w, err)
		return
	}

	limits, err := limitsFromHeaders(r.Header)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if existing != nil {
		// Republish keeps prior limits unless the request overrides.
		merged := existing.Limits
		mergeLimits(&merged, limits)
		limits = merged
	}
	limits.Normalize()

	sum := sha256.Sum256(wasm)
	version, err := s.store.Put(r.Context(), &domain.ModuleRecord{
		Name:   name,
		Owner:  owner,
		Hash:   hex.EncodeToString(sum[:]),
		Limits: limits,
		Module: wasm,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.invalidate(name)
	logging.Op().Info("function published",
		"function", name, "owner", owner, "version", version, "size", len(wasm))

	writeJSON(w, http.StatusCreated, publishResponse{
		Name:    name,
		Version: version,
		Hash:    hex.EncodeToString(sum[:]),
		Size:    len(wasm),
	})
}

func (s *Server) handleUnpublish(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	rec, err := s.store.Get(r.Context(), name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rec.Owner != owner {
		writeJSONError(w, http.StatusForbidden, "function belongs to another owner")
		return
	}

	if err := s.store.Delete(r.Context(), name); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidate(name)
	if s.stats != nil {
		s.stats.Forget(name)
	}
	logging.Op().Info("function unpublished", "function", name, "owner", owner)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	recs, err := s.store.List(r.Context(), owner)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": recs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	rec, err := s.store.Get(r.Context(), name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rec.Owner != owner {
		writeJSONError(w, http.StatusForbidden, "function belongs to another owner")
		return
	}

	fs, _ := s.stats.Get(name)
	fs.Function = name
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, err := s.auth.Authenticate(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid credentials")
		return "", false
	}
	return owner, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrFunctionNotFound):
		writeJSONError(w, http.StatusNotFound, "function not found")
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "module store unavailable")
	default:
		logging.Op().Error("store operation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// limitsFromHeaders parses optional per-function limit overrides.
// Absent headers leave the field zero so defaults or prior values
// apply.
func limitsFromHeaders(h http.Header) (domain.ResourceLimits, error) {
	var limits domain.ResourceLimits
	set := []struct {
		header string
		assign func(int)
	}{
		{"X-Faasta-Memory-Mb", func(v int) { limits.MemoryMB = v }},
		{"X-Faasta-Timeout-Ms", func(v int) { limits.Timeout = time.Duration(v) * time.Millisecond }},
		{"X-Faasta-Fuel-Budget", func(v int) { limits.FuelBudget = uint64(v) }},
		{"X-Faasta-Max-Concurrency", func(v int) { limits.MaxConcurrency = v }},
		{"X-Faasta-Max-Instances", func(v int) { limits.MaxInstances = v }},
		{"X-Faasta-Max-Request-Kb", func(v int) { limits.MaxRequestKB = v }},
		{"X-Faasta-Max-Response-Kb", func(v int) { limits.MaxResponseKB = v }},
	}
	for _, f := range set {
		raw := h.Get(f.header)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return limits, errors.New("invalid " + f.header + " header")
		}
		f.assign(v)
	}
	return limits, nil
}

// mergeLimits overlays nonzero fields of override onto base.
func mergeLimits(base *domain.ResourceLimits, override domain.ResourceLimits) {
	if override.MemoryMB > 0 {
		base.MemoryMB = override.MemoryMB
	}
	if override.Timeout > 0 {
		base.Timeout = override.Timeout
	}
	if override.FuelBudget > 0 {
		base.FuelBudget = override.FuelBudget
	}
	if override.MaxConcurrency > 0 {
		base.MaxConcurrency = override.MaxConcurrency
	}
	if override.MaxInstances > 0 {
		base.MaxInstances = override.MaxInstances
	}
	if override.MaxRequestKB > 0 {
		base.MaxRequestKB = override.MaxRequestKB
	}
	if override.MaxResponseKB > 0 {
		base.MaxResponseKB = override.MaxResponseKB
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
