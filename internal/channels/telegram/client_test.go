package telegram_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/wizard-runtime/internal/channels/telegram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type botAPI struct {
	mu       sync.Mutex
	requests []map[string]any
	// statuses are returned in order; once exhausted every call succeeds.
	statuses []int
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	body["_path"] = r.URL.Path
	b.requests = append(b.requests, body)

	if len(b.statuses) > 0 {
		status := b.statuses[0]
		b.statuses = b.statuses[1:]
		w.WriteHeader(status)
		w.Write([]byte(`{"ok":false,"description":"nope","parameters":{"retry_after":1}}`))
		return
	}
	w.Write([]byte(`{"ok":true,"result":{}}`))
}

func (b *botAPI) all() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.requests...)
}

func newClient(srv *httptest.Server) *telegram.Client {
	return telegram.NewClient(telegram.ClientConfig{
		Token:        "123:abc",
		APIBase:      srv.URL,
		MaxRetries:   3,
		RetryInitial: time.Millisecond,
	})
}

func TestSendMessage(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	require.NoError(t, newClient(srv).SendMessage(context.Background(), 42, "hi"))

	reqs := api.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/bot123:abc/sendMessage", reqs[0]["_path"])
	assert.Equal(t, float64(42), reqs[0]["chat_id"])
	assert.Equal(t, "HTML", reqs[0]["parse_mode"])
}

func TestSendMessage_RetriesTransientErrors(t *testing.T) {
	api := &botAPI{statuses: []int{http.StatusTooManyRequests, http.StatusBadGateway}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	require.NoError(t, newClient(srv).SendMessage(context.Background(), 42, "hi"))
	assert.Len(t, api.all(), 3)
}

func TestSendMessage_GivesUpAfterMaxRetries(t *testing.T) {
	api := &botAPI{statuses: []int{500, 500, 500, 500, 500, 500}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	err := newClient(srv).SendMessage(context.Background(), 42, "hi")
	require.Error(t, err)
	assert.Len(t, api.all(), 4) // first try plus three retries

	var apiErr *telegram.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.Status)
}

func TestSendMessage_NoRetryOnClientError(t *testing.T) {
	api := &botAPI{statuses: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	err := newClient(srv).SendMessage(context.Background(), 42, "hi")
	require.Error(t, err)
	assert.Len(t, api.all(), 1)
	assert.Contains(t, err.Error(), "nope")
	assert.NotContains(t, err.Error(), "123:abc")
}

func TestSendMessage_NoToken(t *testing.T) {
	err := telegram.NewClient(telegram.ClientConfig{}).SendMessage(context.Background(), 1, "x")
	assert.Error(t, err)
}

func TestSendText_EscapesAndSplits(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	long := strings.Repeat("a<b ", 1500) // 6000 characters before escaping
	require.NoError(t, newClient(srv).SendText(context.Background(), 42, long))

	reqs := api.all()
	require.Len(t, reqs, 2)
	var rejoined []string
	for _, r := range reqs {
		text := r["text"].(string)
		assert.NotContains(t, text, "<")
		rejoined = append(rejoined, strings.ReplaceAll(text, "&lt;", "<"))
	}
	assert.Equal(t, long, strings.Join(rejoined, " "))
}

func TestSendText_EmptyIsNoop(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	require.NoError(t, newClient(srv).SendText(context.Background(), 42, "  "))
	assert.Empty(t, api.all())
}
