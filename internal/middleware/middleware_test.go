package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/chat-gateway/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func managerWithKey(t *testing.T, key string) *config.Manager {
	t.Helper()

	dir := t.TempDir()
	raw := `{"api_key":"` + key + `","providers":[{"name":"openai"}],"router":{"default":"openai,gpt-4o"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFilename), []byte(raw), 0o644))

	mgr := config.NewManager(dir)
	_, err := mgr.Load()
	require.NoError(t, err)

	return mgr
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	handler := NewAuthMiddleware(managerWithKey(t, "secret"), quietLogger())(ok)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer secret", http.StatusOK},
		{"api key header", "X-API-Key", "secret", http.StatusOK},
		{"wrong key", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuth_DisabledWithoutKey(t *testing.T) {
	handler := NewAuthMiddleware(managerWithKey(t, ""), quietLogger())(ok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogging_PassesFlush(t *testing.T) {
	var flushed bool
	handler := NewLoggingMiddleware(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, isFlusher := w.(http.Flusher)
		require.True(t, isFlusher)
		_, _ = w.Write([]byte("data: x\n\n"))
		f.Flush()
		flushed = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, flushed)
	assert.True(t, rec.Flushed)
	assert.Equal(t, "data: x\n\n", rec.Body.String())
}

func TestRecover(t *testing.T) {
	handler := NewRecoverMiddleware(quietLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	base := New(mark("a"), mark("b"))
	extended := base.Then(mark("c"))
	other := base.Then(mark("d"))

	extended.Handler(ok).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)

	order = nil
	other.Handler(ok).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "d"}, order)
}
