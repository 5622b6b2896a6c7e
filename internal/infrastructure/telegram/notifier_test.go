package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReport(t *testing.T) {
	t.Parallel()

	texts := make(chan string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.PostForm.Get("chat_id"))
		texts <- r.PostForm.Get("text")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier("TOKEN", "42")
	n.apiBase = server.URL

	require.NoError(t, n.PublishReport(context.Background(), "Reconciliation: 1 need review"))
	assert.Equal(t, "Reconciliation: 1 need review", <-texts)

	require.NoError(t, n.PublishReport(context.Background(), strings.Repeat("я", 5000)))
	assert.Equal(t, maxMessageRunes, utf8.RuneCountInString(<-texts))
}

func TestPublishReportErrors(t *testing.T) {
	t.Parallel()

	assert.Error(t, NewNotifier("", "42").PublishReport(context.Background(), "x"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	n := NewNotifier("TOKEN", "42")
	n.apiBase = server.URL
	assert.Error(t, n.PublishReport(context.Background(), "x"))
}
