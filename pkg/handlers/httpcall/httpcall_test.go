package httpcall_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quilfort/flowline/pkg/handlers/httpcall"
	"github.com/quilfort/flowline/pkg/models"
	"github.com/quilfort/flowline/pkg/registry"
)

func newHandler() *httpcall.Handler {
	return httpcall.NewHandler(slog.New(slog.DiscardHandler))
}

func TestExecuteGetReturnsParsedJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"Acme","active":true}`))
	}))
	defer server.Close()

	output, err := newHandler().Execute(context.Background(), registry.HandlerInput{
		Input: map[string]any{"url": server.URL},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, output["status"])

	body, ok := output["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Acme", body["name"])
}

func TestExecutePostSendsJSONBody(t *testing.T) {
	t.Parallel()

	var received string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token-1", r.Header.Get("Authorization"))

		raw, _ := io.ReadAll(r.Body)
		received = string(raw)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"n-1"}`))
	}))
	defer server.Close()

	output, err := newHandler().Execute(context.Background(), registry.HandlerInput{
		Input: map[string]any{
			"url":     server.URL,
			"method":  "post",
			"headers": map[string]any{"Authorization": "token-1"},
			"body":    map[string]any{"recipient": "Acme"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, output["status"])
	assert.JSONEq(t, `{"recipient":"Acme"}`, received)
}

func TestExecuteServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newHandler().Execute(context.Background(), registry.HandlerInput{
		Input: map[string]any{"url": server.URL},
	})
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}

func TestExecuteClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newHandler().Execute(context.Background(), registry.HandlerInput{
		Input: map[string]any{"url": server.URL},
	})
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))
}

func TestExecuteConnectionFailureIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	_, err := newHandler().Execute(context.Background(), registry.HandlerInput{
		Input: map[string]any{"url": server.URL},
	})
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}

func TestExecuteMissingURLIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := newHandler().Execute(context.Background(), registry.HandlerInput{
		Input: map[string]any{},
	})
	require.ErrorIs(t, err, httpcall.ErrURLMissing)
	assert.False(t, models.IsRetryable(err))
}
