package serve

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobJEdwards/gsplat/internal/metrics"
	"github.com/JacobJEdwards/gsplat/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	ledger, err := store.Open(filepath.Join(t.TempDir(), "gsbench.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	require.NoError(t, ledger.UpsertRun(store.RunRecord{
		ID: "aaaa1111", Sweep: "test", Scene: "garden", Postfix: "_low",
		DataDir: "data/garden_low", ResultDir: "results/test/garden_low",
	}))
	require.NoError(t, ledger.MarkFinished("aaaa1111", store.StatusSucceeded, 0, time.Minute, ""))
	require.NoError(t, ledger.IngestStats("aaaa1111", &metrics.RunStats{
		Evals: []metrics.EvalEntry{
			{Stage: "val", Step: 29999, PSNR: 27.0, SSIM: 0.85, LPIPS: 0.15, NumGS: 3000000},
		},
		Train: []metrics.TrainEntry{
			{Step: 29999, Rank: 0, MemGB: 11.2, ElapsedS: 1200, NumGS: 3000000},
		},
	}))

	return New(ledger, "127.0.0.1:0")
}

func doGET(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := doGET(t, testServer(t), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestListSweeps(t *testing.T) {
	rec := doGET(t, testServer(t), "/api/sweeps")
	require.Equal(t, http.StatusOK, rec.Code)

	var sweeps []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sweeps))
	assert.Equal(t, []string{"test"}, sweeps)
}

func TestListRuns(t *testing.T) {
	s := testServer(t)

	rec := doGET(t, s, "/api/runs?sweep=test")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []store.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "aaaa1111", runs[0].ID)
	assert.Equal(t, store.StatusSucceeded, runs[0].Status)

	// Unknown sweep is an empty list, not null.
	rec = doGET(t, s, "/api/runs?sweep=nothing")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = doGET(t, s, "/api/runs")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	s := testServer(t)

	rec := doGET(t, s, "/api/runs/aaaa1111")
	require.Equal(t, http.StatusOK, rec.Code)

	var run store.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "garden", run.Scene)

	rec = doGET(t, s, "/api/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunMetrics(t *testing.T) {
	s := testServer(t)

	rec := doGET(t, s, "/api/runs/aaaa1111/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Evals []metrics.EvalEntry  `json:"evals"`
		Train []metrics.TrainEntry `json:"train"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Evals, 1)
	assert.Equal(t, 29999, body.Evals[0].Step)
	assert.InDelta(t, 27.0, body.Evals[0].PSNR, 1e-9)
	require.Len(t, body.Train, 1)
	assert.InDelta(t, 11.2, body.Train[0].MemGB, 1e-9)

	rec = doGET(t, s, "/api/runs/nope/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweepSummary(t *testing.T) {
	rec := doGET(t, testServer(t), "/api/sweeps/test/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary []store.SummaryRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Len(t, summary, 1)
	require.NotNil(t, summary[0].Final)
	assert.Equal(t, 29999, summary[0].Final.Step)
}
