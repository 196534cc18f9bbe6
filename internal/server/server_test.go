package server

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medsim/internal/cases"
	"medsim/internal/completion"
	"medsim/internal/completion/completiontest"
	"medsim/internal/feedback"
	"medsim/internal/prompt"
	"medsim/internal/session"
	"medsim/internal/simerr"
)

func newTestServer(t *testing.T, fake *completiontest.Provider) *httptest.Server {
	t.Helper()

	catalog := cases.DefaultCatalog()
	composer := prompt.NewComposer()
	mgr, err := session.NewManager(session.Config{
		Selector:  cases.NewSelector(catalog, rand.New(rand.NewSource(1))),
		Composer:  composer,
		Provider:  fake,
		Generator: feedback.NewGenerator(composer, fake, nil, feedback.ModeSingle, ""),
	})
	require.NoError(t, err)

	srv, err := New(Config{Manager: mgr, Cases: catalog, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestHealthAndCases(t *testing.T) {
	ts := newTestServer(t, completiontest.New())

	resp, body := do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err := ts.Client().Get(ts.URL + "/api/cases")
	require.NoError(t, err)
	defer resp.Body.Close()
	var scenarios []cases.Scenario
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scenarios))
	assert.NotEmpty(t, scenarios)
}

func TestHealthReportsLimiter(t *testing.T) {
	fake := completiontest.New()
	catalog := cases.DefaultCatalog()
	composer := prompt.NewComposer()
	mgr, err := session.NewManager(session.Config{
		Selector:  cases.NewSelector(catalog, rand.New(rand.NewSource(1))),
		Composer:  composer,
		Provider:  fake,
		Generator: feedback.NewGenerator(composer, fake, nil, feedback.ModeSingle, ""),
	})
	require.NoError(t, err)

	limiter := completion.NewRateLimiter(30, time.Minute)
	srv, err := New(Config{Manager: mgr, Cases: catalog, Limiter: limiter, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, body := do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok", body["status"])
	stats, ok := body["rate_limiter"].(map[string]any)
	require.True(t, ok, "healthz should carry the limiter stats: %v", body)
	assert.EqualValues(t, 30, stats["requests_per_minute"])
	assert.Equal(t, false, stats["in_cooldown"])

	limiter.RecordRateLimit()
	_, body = do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, "degraded", body["status"])
	stats = body["rate_limiter"].(map[string]any)
	assert.Equal(t, true, stats["in_cooldown"])
	assert.EqualValues(t, 1, stats["consecutive_errors"])
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, completiontest.New())

	resp, body := do(t, ts, http.MethodPost, "/api/sessions", `{"scenario_id":"appendicitis"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "case-selected", body["stage"])
	base := "/api/sessions/" + id

	resp, body = do(t, ts, http.MethodPost, base+"/messages", `{"question":"Where does it hurt?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "response for chat", body["answer"])

	resp, _ = do(t, ts, http.MethodPost, base+"/examination", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, base+"/differentials", `{"differentials":"Appendicitis"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, ts, http.MethodPost, base+"/rounds", `{"request":"CBC"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	round, _ := body["round"].(map[string]any)
	assert.EqualValues(t, 1, round["index"])

	resp, _ = do(t, ts, http.MethodPost, base+"/final", `{"diagnosis":"Appendicitis","therapy":"Surgery"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, ts, http.MethodPost, base+"/feedback", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["cached"])

	resp, body = do(t, ts, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "feedback-done", body["stage"])

	resp, _ = do(t, ts, http.MethodDelete, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, ts, http.MethodGet, base, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, ProblemTypeNotFound, body["type"])
}

func TestErrorStatuses(t *testing.T) {
	fake := completiontest.New()
	fake.On("chat", completiontest.Reply{Err: simerr.NewRateLimitedError("", nil)})
	ts := newTestServer(t, fake)

	_, body := do(t, ts, http.MethodPost, "/api/sessions", "")
	id := body["id"].(string)

	resp, body := do(t, ts, http.MethodPost, "/api/sessions/"+id+"/messages", `{"question":"Fever?"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, simerr.RateLimitedMessage, body["detail"])

	resp, _ = do(t, ts, http.MethodPost, "/api/sessions/"+id+"/examination", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/api/sessions/"+id+"/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/api/sessions", `{"scenario_id":"unknown"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodGet, "/api/sessions/"+id+"/feedback.pdf", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestProblemFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", session.ErrNotFound, http.StatusNotFound},
		{"rate limited", simerr.NewRateLimitedError("", nil), http.StatusTooManyRequests},
		{"batch rate limited", &completion.BatchError{Failed: []string{"A"}, Err: simerr.NewRateLimitedError("", nil)}, http.StatusTooManyRequests},
		{"state", simerr.NewStateError("op", "no"), http.StatusConflict},
		{"invalid round", &simerr.InvalidRoundError{Round: 3}, http.StatusConflict},
		{"remote", simerr.NewRemoteCallError(simerr.CodeServerError, "down", nil), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, problemFor(tt.err, "/x").Status)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, completiontest.New())

	_, _ = do(t, ts, http.MethodGet, "/api/sessions/missing", "")

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	assert.Contains(t, buf.String(), `http_requests_total{method="GET",path="/api/sessions/{id}`)
	assert.NotContains(t, buf.String(), "missing")
}
