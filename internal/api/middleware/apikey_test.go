package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/wizard-runtime/internal/api/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Error("Expected auth to be disabled with no keys")
	}

	req := httptest.NewRequest(http.MethodPost, "/run-wizard", nil)
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_BlankKeysIgnored(t *testing.T) {
	if middleware.NewAPIKeyAuth([]string{"", "  "}).Enabled() {
		t.Error("Blank keys should not enable auth")
	}
}

func TestAPIKeyAuth_Keys(t *testing.T) {
	handler := middleware.NewAPIKeyAuth([]string{"test-key-1", "test-key-2"}).Middleware(okHandler())

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer test-key-1", http.StatusOK},
		{"x-api-key", "X-API-Key", "test-key-2", http.StatusOK},
		{"wrong bearer", "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"prefix of a key", "X-API-Key", "test-key", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic test-key-1", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/wizards", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("Expected WWW-Authenticate header on 401")
			}
		})
	}
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	handler := middleware.NewAPIKeyAuth([]string{"valid-key"}).Middleware(okHandler())

	for _, path := range []string{"/health", "/version", "/metrics", "/webhooks/telegram"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Public path %q: status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}

	for _, path := range []string{"/run-wizard", "/webhooks", "/healthz"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Protected path %q: status = %d, want %d", path, w.Code, http.StatusUnauthorized)
		}
	}
}
