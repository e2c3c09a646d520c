package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/controller"
	"github.com/ChuLiYu/mesh-dispatch/internal/metrics"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postProgress(t *testing.T, h http.Handler, id string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+id+"/progress", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func runningJob(t *testing.T, c *controller.Controller) types.JobID {
	t.Helper()
	reqs, _ := c.Requirements(surface).First()
	job, err := c.Submit(types.NewJobSubmission(reqs, "block"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := c.Status(job.ID)
		return st.State == types.StateInProgress
	}, 3*time.Second, 5*time.Millisecond)
	return job.ID
}

func TestWorkerHandler_Progress(t *testing.T) {
	c := newTestController(t)
	h := NewWorkerHandler(c, nil).Router()
	id := runningJob(t, c)

	rec := postProgress(t, h, string(id), `{"progress": 55}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ProgressResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Changed)
	assert.Equal(t, 55, resp.Progress)

	// 進度不倒退
	rec = postProgress(t, h, string(id), `{"progress": 20}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Changed)
	assert.Equal(t, 55, resp.Progress)
}

func TestWorkerHandler_ProgressErrors(t *testing.T) {
	c := newTestController(t)
	h := NewWorkerHandler(c, nil).Router()

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"malformed id", "not-a-uuid", `{"progress": 1}`, http.StatusBadRequest},
		{"bad body", string(types.NewJobID()), `{`, http.StatusBadRequest},
		{"unknown job", string(types.NewJobID()), `{"progress": 1}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postProgress(t, h, tt.id, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// 已取消的任務
	id := runningJob(t, c)
	require.NoError(t, c.Cancel(id))
	require.Eventually(t, func() bool {
		st, _ := c.Status(id)
		return st.State == types.StateFailed
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusConflict, postProgress(t, h, string(id), `{"progress": 90}`).Code)
}

func TestWorkerHandler_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	c := controller.NewController(controller.Config{}, nil, nil, collector)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	h := NewWorkerHandler(c, reg).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, float64(0), health["workers"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshd_workers_discovered")

	// GET 不接受於進度路由
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+string(types.NewJobID())+"/progress", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
