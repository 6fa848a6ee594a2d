package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escalation-service/pkg/escalation"
	"escalation-service/pkg/handlers"
	"escalation-service/pkg/memstore"
	"escalation-service/pkg/metrics"
	"escalation-service/pkg/notify"
)

type testServer struct {
	srv   *httptest.Server
	store *memstore.Store
}

func newTestServer(t *testing.T, createdAt time.Time) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	store := memstore.New()

	learner := escalation.NewLearner(store, logger, m)
	engine := escalation.NewEngine(store, notify.NewLogNotifier(logger), learner, logger, m,
		escalation.WithClock(func() time.Time { return createdAt }))
	sweeper := escalation.NewSweeper(engine, time.Minute, 10*time.Minute, nil, logger, m)

	handler := handlers.NewHandler(engine, learner, sweeper, logger, func() bool { return true }, "pod-test")
	srv := httptest.NewServer(NewRouter(handler, logger, reg))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func createRequest(t *testing.T, ts *testServer, phone, question string) string {
	t.Helper()
	resp, body := ts.do(t, "POST", "/api/requests", map[string]string{
		"customer_phone": phone,
		"question":       question,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	return body["id"].(string)
}

func TestServer_RequestLifecycle(t *testing.T) {
	ts := newTestServer(t, time.Now())

	id := createRequest(t, ts, "+15550001", "Do you do keratin treatments?")

	resp, body := ts.do(t, "GET", "/api/requests/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Do you do keratin treatments?", body["original_question"])

	resp, body = ts.do(t, "POST", "/api/requests/"+id+"/resolve", map[string]string{
		"answer":        "Yes, Tuesdays only",
		"supervisor_id": "sup_1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RESOLVED", body["status"])
	assert.NotNil(t, body["resolved_at"])

	resp, _ = ts.do(t, "POST", "/api/requests/"+id+"/resolve", map[string]string{"answer": "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, "POST", "/api/knowledge/lookup", map[string]string{"question": "do you do KERATIN treatments?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "exact", body["match"])
	assert.Equal(t, "Yes, Tuesdays only", body["answer"])

	resp, body = ts.do(t, "GET", "/api/knowledge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 1)

	resp, body = ts.do(t, "GET", "/api/requests?status=RESOLVED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["requests"], 1)
}

func TestServer_ErrorMapping(t *testing.T) {
	ts := newTestServer(t, time.Now())

	resp, _ := ts.do(t, "POST", "/api/requests", map[string]string{"customer_phone": "", "question": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, "GET", "/api/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, "POST", "/api/requests/missing/resolve", map[string]string{"answer": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := createRequest(t, ts, "+15550001", "q?")
	resp, _ = ts.do(t, "POST", "/api/requests/"+id+"/resolve", map[string]string{"answer": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, "GET", "/api/requests?status=ARCHIVED", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, "GET", "/api/requests?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest("POST", ts.srv.URL+"/api/requests", strings.NewReader("{broken"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestServer_SweepExpiresStaleRequests(t *testing.T) {
	ts := newTestServer(t, time.Now().Add(-time.Hour))

	id := createRequest(t, ts, "+15550001", "Are you open late?")

	resp, body := ts.do(t, "POST", "/api/sweeps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["expired"])

	resp, body = ts.do(t, "GET", "/api/requests/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "UNRESOLVED", body["status"])

	resp, body = ts.do(t, "POST", "/api/sweeps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["expired"])

	resp, _ = ts.do(t, "POST", "/api/requests/"+id+"/resolve", map[string]string{"answer": "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ManualExpire(t *testing.T) {
	ts := newTestServer(t, time.Now())

	id := createRequest(t, ts, "+15550001", "Can I reschedule?")

	resp, body := ts.do(t, "POST", "/api/requests/"+id+"/expire", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "UNRESOLVED", body["status"])

	resp, _ = ts.do(t, "POST", "/api/requests/"+id+"/expire", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_KnowledgeMiss(t *testing.T) {
	ts := newTestServer(t, time.Now())

	resp, body := ts.do(t, "POST", "/api/knowledge/lookup", map[string]string{"question": "Do you sell wigs?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["found"])
	assert.Equal(t, "none", body["match"])
	assert.Equal(t, "NOT_FOUND", body["answer"])
}

func TestServer_Ops(t *testing.T) {
	ts := newTestServer(t, time.Now())
	createRequest(t, ts, "+15550001", "q?")

	resp, body := ts.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["pending_requests"])
	assert.Equal(t, true, body["is_leader"])

	resp, body = ts.do(t, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pod-test", body["pod_id"])

	metricsResp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "escalation_help_requests_created_total 1")
}
