package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sihlelab/effluent/internal/adapters/duckdb"
	"github.com/sihlelab/effluent/internal/adapters/memqueue"
	"github.com/sihlelab/effluent/internal/config"
	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
	"github.com/sihlelab/effluent/internal/core/services"
)

type fakeSource struct {
	locations []string
}

func (f *fakeSource) FetchCounts(_ context.Context, _ string, _ string, from, to time.Time, interval domain.BucketInterval) ([]ports.BucketCount, error) {
	var out []ports.BucketCount
	for _, b := range domain.BucketStarts(from, to, interval) {
		out = append(out, ports.BucketCount{Bucket: b, Count: 5, Coverage: 100})
	}
	return out, nil
}

func (f *fakeSource) FetchLocations(_ context.Context) ([]string, error) {
	return f.locations, nil
}

func (f *fakeSource) DataVersion(_ context.Context) (string, error) {
	return "v-test", nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("EFFLUENT_SECRET_KEY", "api-test-key")

	logger := slog.New(slog.DiscardHandler)

	repo, err := duckdb.New(t.TempDir()+"/api.db", 30*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	queue := memqueue.New(logger, 16)
	t.Cleanup(func() { queue.Close() })

	source := &fakeSource{locations: []string{"Zurich", "Geneva"}}
	submitter := services.NewSubmitter(logger, repo, queue, source, 30*time.Minute)

	secret, err := config.NewSecretKey()
	require.NoError(t, err)
	settings, err := config.NewSettingsStore(logger, repo, secret, config.SourceSettings{
		LapisURL: "https://lapis.example.org/v2",
	})
	require.NoError(t, err)

	server, err := NewServer(logger, submitter, source, settings)
	require.NoError(t, err)
	return server.Handler()
}

const submitPayload = `{
	"signatures": [
		{"name": "BA.1", "mutations": ["C241T", "A2832G"]},
		{"name": "BA.2", "mutations": ["C241T", "G8393A"]}
	],
	"location": "Zurich",
	"dateFrom": "2024-01-01",
	"dateTo": "2024-01-14",
	"interval": "daily",
	"options": {"simplexConstraint": true, "bootstraps": 0}
}`

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestServer_SubmitAndPoll(t *testing.T) {
	handler := newTestServer(t)

	w, body := doJSON(t, handler, "POST", "/v1/jobs", submitPayload)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	w, body = doJSON(t, handler, "GET", "/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jobID, body["id"])
	assert.Equal(t, "QUEUED", body["status"])
	assert.Nil(t, body["result"])
}

func TestServer_SubmitDeduplicates(t *testing.T) {
	handler := newTestServer(t)

	w1, body1 := doJSON(t, handler, "POST", "/v1/jobs", submitPayload)
	require.Equal(t, http.StatusAccepted, w1.Code)
	w2, body2 := doJSON(t, handler, "POST", "/v1/jobs", submitPayload)
	require.Equal(t, http.StatusAccepted, w2.Code)

	assert.Equal(t, body1["jobId"], body2["jobId"])
}

func TestServer_SubmitRejectsSchemaViolations(t *testing.T) {
	handler := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty_body", `{}`},
		{"no_signatures", `{"signatures": [], "location": "Zurich", "dateFrom": "2024-01-01", "dateTo": "2024-01-07"}`},
		{"bad_interval", strings.Replace(submitPayload, `"daily"`, `"hourly"`, 1)},
		{"bad_date", strings.Replace(submitPayload, `"2024-01-01"`, `"January 1"`, 1)},
		{"not_json", `not json at all`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := doJSON(t, handler, "POST", "/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_SubmitRejectsInvertedDateRange(t *testing.T) {
	handler := newTestServer(t)

	payload := strings.Replace(submitPayload, `"dateTo": "2024-01-14"`, `"dateTo": "2023-12-01"`, 1)
	w, body := doJSON(t, handler, "POST", "/v1/jobs", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "date_to")
}

func TestServer_SubmitStoreFaultIsServerError(t *testing.T) {
	t.Setenv("EFFLUENT_SECRET_KEY", "api-test-key")
	logger := slog.New(slog.DiscardHandler)

	repo, err := duckdb.New(t.TempDir()+"/api.db", 30*time.Minute)
	require.NoError(t, err)

	queue := memqueue.New(logger, 16)
	t.Cleanup(func() { queue.Close() })

	source := &fakeSource{}
	submitter := services.NewSubmitter(logger, repo, queue, source, 30*time.Minute)

	secret, err := config.NewSecretKey()
	require.NoError(t, err)
	settings, err := config.NewSettingsStore(logger, repo, secret, config.SourceSettings{
		LapisURL: "https://lapis.example.org/v2",
	})
	require.NoError(t, err)

	server, err := NewServer(logger, submitter, source, settings)
	require.NoError(t, err)
	handler := server.Handler()

	// Losing the store is our fault, not the caller's: a well-formed
	// submission must not come back as a 400.
	require.NoError(t, repo.Close())

	w, body := doJSON(t, handler, "POST", "/v1/jobs", submitPayload)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body["error"])
}

func TestServer_GetUnknownJob(t *testing.T) {
	handler := newTestServer(t)

	w, body := doJSON(t, handler, "GET", "/v1/jobs/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestServer_CancelQueuedJob(t *testing.T) {
	handler := newTestServer(t)

	w, body := doJSON(t, handler, "POST", "/v1/jobs", submitPayload)
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := body["jobId"].(string)

	w, body = doJSON(t, handler, "POST", "/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, body["accepted"])

	w, body = doJSON(t, handler, "GET", "/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", body["status"])
}

func TestServer_CancelTerminalJobNotAccepted(t *testing.T) {
	handler := newTestServer(t)

	w, body := doJSON(t, handler, "POST", "/v1/jobs", submitPayload)
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := body["jobId"].(string)

	// First cancel lands the job in CANCELLED; the second finds it terminal.
	w, _ = doJSON(t, handler, "POST", "/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	w, body = doJSON(t, handler, "POST", "/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, false, body["accepted"])
}

func TestServer_Locations(t *testing.T) {
	handler := newTestServer(t)

	w, body := doJSON(t, handler, "GET", "/v1/locations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"Zurich", "Geneva"}, body["locations"])
}

func TestServer_SettingsRoundTrip(t *testing.T) {
	handler := newTestServer(t)

	w, body := doJSON(t, handler, "PUT", "/v1/settings", `{"apiToken": "lapis-secret"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "****cret", body["apiToken"])

	w, body = doJSON(t, handler, "GET", "/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "****cret", body["apiToken"])
	assert.Equal(t, "https://lapis.example.org/v2", body["lapisUrl"])
}

func TestServer_Healthz(t *testing.T) {
	handler := newTestServer(t)

	w, body := doJSON(t, handler, "GET", "/v1/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_OpenAPIDocumentServed(t *testing.T) {
	handler := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/openapi.json", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Effluent API")
}
