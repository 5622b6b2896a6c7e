package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/logging"
)

func TestClientPagesAndConvertsTasks(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/p1/tasks", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.Query().Get("opt_fields"), "html_notes")

		switch r.URL.Query().Get("offset") {
		case "":
			_, _ = w.Write([]byte(`{"data": [
				{"gid": "1", "name": " Send report ", "html_notes": "<body>Weekly <b>numbers</b><br>for bob</body>",
				 "assignee": {"name": "ann"}, "due_on": "2024-03-08", "modified_at": "2024-03-05T10:00:00Z"}
			], "next_page": {"offset": "abc"}}`))
		case "abc":
			_, _ = w.Write([]byte(`{"data": [
				{"gid": "2", "name": "Renew domain", "notes": "plain", "completed": true, "due_at": "2024-03-09T15:00:00Z"}
			], "next_page": null}`))
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	}))
	defer server.Close()

	items, err := NewClient(server.URL, "tok", "p1", logging.Discard()).FetchItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "Send report", first.Title)
	assert.Equal(t, "Weekly numbers\nfor bob", first.Description)
	assert.Equal(t, "ann", first.Assignee)
	require.NotNil(t, first.DueDate)
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), *first.DueDate)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), first.UpdatedAt)
	assert.False(t, first.Completed)

	second := items[1]
	assert.Equal(t, "plain", second.Description)
	assert.True(t, second.Completed)
	assert.Equal(t, "completed", second.Status)
	assert.Equal(t, time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC), *second.DueDate)
}

func TestClientServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "", "p1", nil).FetchItems(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	_, err = NewClient(server.URL, "", "", nil).FetchItems(context.Background())
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tracker.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "t1", "title": "Send report", "due_date": "2024-03-08T00:00:00Z", "updated_at": "2024-03-01T00:00:00Z"},
		{"id": "t2", "title": "No date", "completed": true}
	]`), 0o600))

	items, err := NewSnapshot(path).FetchItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Send report", items[0].Title)
	require.NotNil(t, items[0].DueDate)
	assert.Nil(t, items[1].DueDate)
	assert.True(t, items[1].Completed)

	_, err = NewSnapshot(filepath.Join(t.TempDir(), "missing.json")).FetchItems(context.Background())
	assert.Error(t, err)
}
