package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArtifactFunnel/internal/config"
	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/logging"
)

const outputFile = `{"id":"r1","custom_id":"screen:c/1","response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"has_artifacts\":true}"}}]}},"error":null}
{"id":"r2","custom_id":"screen:c/2","response":{"status_code":200,"body":{"choices":[]}},"error":null}
`

const errorFile = `{"id":"r3","custom_id":"screen:c/3","response":{"status_code":400,"body":{"error":{"message":"context too long"}}},"error":null}
{"id":"r4","custom_id":"screen:c/4","response":null,"error":{"code":"batch_expired","message":"expired"}}
`

func newProvider(t *testing.T, handler http.Handler) *BatchClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBatchClient(config.ProviderConfig{BaseURL: srv.URL, APIKey: "sk-test"}, logging.Discard())
}

func TestSubmitBatchUploadsJSONLAndCreatesBatch(t *testing.T) {
	t.Parallel()

	var uploaded []batchLine
	var created map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "batch", r.FormValue("purpose"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var line batchLine
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
			uploaded = append(uploaded, line)
		}
		_, _ = io.WriteString(w, `{"id":"file_1"}`)
	})
	mux.HandleFunc("POST /v1/batches", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		_, _ = io.WriteString(w, `{"id":"batch_1","status":"validating"}`)
	})
	client := newProvider(t, mux)

	handle, err := client.SubmitBatch(t.Context(), domain.StageScreen, []domain.BatchRequest{
		{CorrelationID: "screen:c/1", Profile: domain.ProviderProfile{Model: "cheap", MaxTokens: 100}, Prompt: domain.Prompt{System: "sys", User: "hello"}},
		{CorrelationID: "screen:c/2", Profile: domain.ProviderProfile{Model: "cheap"}, Prompt: domain.Prompt{User: "bye"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "batch_1", handle)

	require.Len(t, uploaded, 2)
	assert.Equal(t, "screen:c/1", uploaded[0].CustomID)
	assert.Equal(t, "/v1/chat/completions", uploaded[0].URL)
	assert.Equal(t, "cheap", uploaded[0].Body.Model)
	assert.Len(t, uploaded[0].Body.Messages, 2)
	assert.Len(t, uploaded[1].Body.Messages, 1)

	assert.Equal(t, "file_1", created["input_file_id"])
	assert.Equal(t, "24h", created["completion_window"])
	assert.Equal(t, map[string]any{"stage": "screen"}, created["metadata"])
}

func TestBatchStatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]domain.BatchState{
		"validating":  domain.BatchRunning,
		"in_progress": domain.BatchRunning,
		"finalizing":  domain.BatchRunning,
		"completed":   domain.BatchCompleted,
		"expired":     domain.BatchFailed,
		"cancelled":   domain.BatchFailed,
	}
	for providerStatus, want := range cases {
		client := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "b", "status": providerStatus})
		}))
		got, err := client.BatchStatus(t.Context(), "b")
		require.NoError(t, err)
		assert.Equal(t, want, got.State, providerStatus)
	}
}

func TestBatchResultsKeepsPartialFailures(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/batches/batch_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"batch_1","status":"completed","output_file_id":"out","error_file_id":"err"}`)
	})
	mux.HandleFunc("GET /v1/files/out/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, outputFile)
	})
	mux.HandleFunc("GET /v1/files/err/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, errorFile)
	})
	client := newProvider(t, mux)

	results, err := client.BatchResults(t.Context(), "batch_1")
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, domain.BatchResult{CorrelationID: "screen:c/1", Text: `{"has_artifacts":true}`}, results[0])
	assert.Equal(t, "no choices in response", results[1].Err)
	assert.Equal(t, "status 400: context too long", results[2].Err)
	assert.Equal(t, "expired", results[3].Err)
}

func TestTransientClassification(t *testing.T) {
	t.Parallel()

	status := http.StatusTooManyRequests
	client := newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	_, err := client.BatchStatus(t.Context(), "b")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	client = newProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err = client.BatchStatus(t.Context(), "b")
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestEncodeJSONLOneLinePerRequest(t *testing.T) {
	t.Parallel()

	raw, err := EncodeJSONL([]domain.BatchRequest{{CorrelationID: "a"}, {CorrelationID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(raw, []byte("\n")))
}
