package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/logging"
	"ArtifactFunnel/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeArtifacts struct {
	got   domain.ArtifactFilter
	items []domain.Artifact
}

func (f *fakeArtifacts) ListArtifacts(_ context.Context, filter domain.ArtifactFilter) ([]domain.Artifact, error) {
	f.got = filter
	return f.items, nil
}

type fakeStats struct{ err error }

func (f fakeStats) Stats(context.Context, time.Time) (domain.FunnelStats, error) {
	return domain.FunnelStats{Windows: 3, Screened: 2}, f.err
}

type fakeReports struct{ published *usecase.Published }

func (f fakeReports) Latest() (*usecase.Published, bool) { return f.published, f.published != nil }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func serve(r http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestListArtifactsParsesFilters(t *testing.T) {
	t.Parallel()

	due := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	artifacts := &fakeArtifacts{items: []domain.Artifact{{
		ID: "a1", Window: domain.WindowRef{ConversationID: "team", WindowID: "w1"},
		Type: domain.TypeCommitment, Summary: "send report", DueDate: &due, Status: domain.StatusOpen,
	}}}
	r := NewRouter(Deps{Artifacts: artifacts, Logger: logging.Discard()})

	rec := serve(r, "/artifacts?type=commitment,request&status=open&overdue=true&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []domain.ArtifactType{domain.TypeCommitment, domain.TypeRequest}, artifacts.got.Types)
	assert.Equal(t, []domain.ArtifactStatus{domain.StatusOpen}, artifacts.got.Statuses)
	assert.NotNil(t, artifacts.got.OverdueAt)
	assert.Equal(t, 5, artifacts.got.Limit)

	var body struct {
		Count     int `json:"count"`
		Artifacts []struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversation_id"`
			Overdue        bool   `json:"overdue"`
		} `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "a1", body.Artifacts[0].ID)
	assert.Equal(t, "team", body.Artifacts[0].ConversationID)
	assert.True(t, body.Artifacts[0].Overdue)
}

func TestListArtifactsRejectsBadFilters(t *testing.T) {
	t.Parallel()

	r := NewRouter(Deps{Artifacts: &fakeArtifacts{}, Logger: logging.Discard()})
	for _, target := range []string{"/artifacts?type=wish", "/artifacts?status=done", "/artifacts?overdue=maybe", "/artifacts?limit=-1"} {
		assert.Equal(t, http.StatusBadRequest, serve(r, target).Code, target)
	}
}

func TestStatsAndHealth(t *testing.T) {
	t.Parallel()

	r := NewRouter(Deps{Stats: fakeStats{}, Health: fakePinger{}, Logger: logging.Discard()})
	rec := serve(r, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"windows":3`)
	assert.Equal(t, http.StatusOK, serve(r, "/healthz").Code)

	r = NewRouter(Deps{Stats: fakeStats{err: errors.New("db gone")}, Health: fakePinger{err: errors.New("db gone")}, Logger: logging.Discard()})
	assert.Equal(t, http.StatusInternalServerError, serve(r, "/stats").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, "/healthz").Code)
}

func TestLatestReportFormats(t *testing.T) {
	t.Parallel()

	r := NewRouter(Deps{Reports: fakeReports{}, Logger: logging.Discard()})
	assert.Equal(t, http.StatusNotFound, serve(r, "/reports/latest").Code)

	r = NewRouter(Deps{Reports: fakeReports{published: &usecase.Published{
		Markdown: []byte("# Report"),
		JSON:     []byte(`{"totals":{}}`),
		HTML:     []byte("<h1>Report</h1>"),
	}}, Logger: logging.Discard()})

	rec := serve(r, "/reports/latest")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"totals":{}}`, rec.Body.String())

	rec = serve(r, "/reports/latest?format=md")
	assert.Equal(t, "# Report", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")

	rec = serve(r, "/reports/latest?format=html")
	assert.Equal(t, "<h1>Report</h1>", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, serve(r, "/reports/latest?format=pdf").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(NewRouter(Deps{}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
