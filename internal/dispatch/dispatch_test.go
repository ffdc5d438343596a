package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fourlexboehm/faasta/internal/domain"
	"github.com/fourlexboehm/faasta/internal/executor"
	"github.com/fourlexboehm/faasta/internal/pool"
	"github.com/fourlexboehm/faasta/internal/sandbox"
	"github.com/fourlexboehm/faasta/internal/store"
)

// echoRuntime returns a canned response and records the request the
// guest would have seen.
type echoRuntime struct {
	lastReq *sandbox.Request
	respond func(req *sandbox.Request) (*sandbox.Response, error)
}

func (f *echoRuntime) Compile(wasm []byte) (sandbox.Artifact, error) { return &echoArtifact{f}, nil }
func (f *echoRuntime) Close()                                        {}

type echoArtifact struct{ rt *echoRuntime }

func (a *echoArtifact) NewContext(limits domain.ResourceLimits) (sandbox.Context, error) {
	return &echoContext{rt: a.rt}, nil
}
func (a *echoArtifact) Close() {}

type echoContext struct{ rt *echoRuntime }

func (c *echoContext) Invoke(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error) {
	c.rt.lastReq = req
	if c.rt.respond != nil {
		return c.rt.respond(req)
	}
	return &sandbox.Response{
		Status:  200,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"ok":true}`),
	}, nil
}
func (c *echoContext) Close() {}

func newTestHandler(t *testing.T, rt sandbox.Runtime, publishNames ...string) *Handler {
	t.Helper()
	st := store.NewMemoryStore()
	for _, name := range publishNames {
		limits := domain.DefaultLimits()
		_, err := st.Put(context.Background(), &domain.ModuleRecord{
			Name: name, Owner: "alice", Limits: limits, Module: []byte{0},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	p := pool.New(rt, pool.Config{CleanupInterval: time.Hour})
	t.Cleanup(p.Shutdown)
	return NewHandler(executor.New(st, p), "faasta.dev", 0)
}

func TestSubdomainRouting(t *testing.T) {
	rt := &echoRuntime{}
	h := newTestHandler(t, rt, "hello")

	req := httptest.NewRequest("GET", "http://hello.faasta.dev/greet?who=world", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if rt.lastReq.Function != "hello" {
		t.Errorf("function = %q", rt.lastReq.Function)
	}
	if rt.lastReq.Path != "/greet" || rt.lastReq.Query != "who=world" {
		t.Errorf("path = %q, query = %q", rt.lastReq.Path, rt.lastReq.Query)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestPathRouting(t *testing.T) {
	rt := &echoRuntime{}
	h := newTestHandler(t, rt, "hello")

	req := httptest.NewRequest("POST", "http://faasta.dev/fn/hello/submit", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if rt.lastReq.Function != "hello" || rt.lastReq.Path != "/submit" {
		t.Errorf("function = %q, path = %q", rt.lastReq.Function, rt.lastReq.Path)
	}
	if string(rt.lastReq.Body) != "payload" {
		t.Errorf("body = %q", rt.lastReq.Body)
	}
}

func TestBareBaseDomainIsNotAFunction(t *testing.T) {
	h := newTestHandler(t, &echoRuntime{}, "hello")

	req := httptest.NewRequest("GET", "http://faasta.dev/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestNestedSubdomainRejected(t *testing.T) {
	h := newTestHandler(t, &echoRuntime{}, "hello")

	req := httptest.NewRequest("GET", "http://a.hello.faasta.dev/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUnknownFunctionIs404(t *testing.T) {
	h := newTestHandler(t, &echoRuntime{})

	req := httptest.NewRequest("GET", "http://ghost.faasta.dev/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
}

func TestTaxonomyStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"timeout", domain.ErrTimedOut, http.StatusGatewayTimeout},
		{"resource", domain.ErrResourceExceeded, http.StatusServiceUnavailable},
		{"invalid response", domain.ErrInvalidResponse, http.StatusBadGateway},
		{"fault", domain.ErrFunctionFaulted, http.StatusInternalServerError},
		{"compile", domain.ErrCompilationFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := &echoRuntime{respond: func(req *sandbox.Request) (*sandbox.Response, error) {
				return nil, tc.err
			}}
			h := newTestHandler(t, rt, "hello")

			req := httptest.NewRequest("GET", "http://hello.faasta.dev/", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestAdmissionRejectionCarriesRetryAfter(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{})
	rt := &echoRuntime{respond: func(req *sandbox.Request) (*sandbox.Response, error) {
		close(running)
		<-release
		return &sandbox.Response{Status: 200}, nil
	}}

	st := store.NewMemoryStore()
	limits := domain.DefaultLimits()
	limits.MaxConcurrency = 1
	st.Put(context.Background(), &domain.ModuleRecord{
		Name: "hello", Owner: "alice", Limits: limits, Module: []byte{0},
	})
	p := pool.New(rt, pool.Config{CleanupInterval: time.Hour})
	t.Cleanup(p.Shutdown)
	h := NewHandler(executor.New(st, p), "faasta.dev", 0)

	go func() {
		req := httptest.NewRequest("GET", "http://hello.faasta.dev/", nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-running
	defer close(release)

	req := httptest.NewRequest("GET", "http://hello.faasta.dev/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestSensitiveHeadersStripped(t *testing.T) {
	rt := &echoRuntime{}
	h := newTestHandler(t, rt, "hello")

	req := httptest.NewRequest("GET", "http://hello.faasta.dev/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Cookie", "session=abc")
	req.Header.Set("X-Custom", "keep-me")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if _, ok := rt.lastReq.Headers["Authorization"]; ok {
		t.Error("Authorization header leaked to guest")
	}
	if _, ok := rt.lastReq.Headers["Cookie"]; ok {
		t.Error("Cookie header leaked to guest")
	}
	if got := rt.lastReq.Headers["X-Custom"]; len(got) != 1 || got[0] != "keep-me" {
		t.Errorf("X-Custom = %v", got)
	}
}
