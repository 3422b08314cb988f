package authmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

var testTokens = map[string]string{
	"alice-token-123": "alice",
	"bob-token-456":   "bob",
}

func TestBearerTokens_ResolvesOwner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		token string
		want  string
	}{
		{"alice-token-123", "alice"},
		{"bob-token-456", "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()

			var got string
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = OwnerFromContext(r.Context())
				w.WriteHeader(http.StatusCreated)
			})
			h := BearerTokens(testTokens)(inner)

			req := httptest.NewRequest(http.MethodPost, "/test", http.NoBody)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusCreated {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
			}
			if got != tt.want {
				t.Errorf("owner = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBearerTokens_MissingHeader(t *testing.T) {
	t.Parallel()

	h := BearerTokens(testTokens)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestBearerTokens_WrongPrefix(t *testing.T) {
	t.Parallel()

	h := BearerTokens(testTokens)(okHandler)

	tests := []struct {
		name  string
		value string
	}{
		{"Basic auth", "Basic dXNlcjpwYXNz"},
		{"lowercase bearer", "bearer alice-token-123"},
		{"no prefix", "alice-token-123"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.value != "" {
				req.Header.Set("Authorization", tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestBearerTokens_InvalidToken(t *testing.T) {
	t.Parallel()

	h := BearerTokens(testTokens)(okHandler)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong token", "wrong-token"},
		{"partial match", "alice-token"},
		{"token with suffix", "alice-token-123-extra"},
		{"empty token", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestBearerTokens_NoTokensConfigured(t *testing.T) {
	t.Parallel()

	h := BearerTokens(nil)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestOwnerFromContext(t *testing.T) {
	t.Parallel()

	if _, ok := OwnerFromContext(context.Background()); ok {
		t.Error("expected no owner on empty context")
	}
	if _, ok := OwnerFromContext(WithOwner(context.Background(), "")); ok {
		t.Error("expected empty owner to be treated as absent")
	}
	got, ok := OwnerFromContext(WithOwner(context.Background(), "alice"))
	if !ok || got != "alice" {
		t.Errorf("owner = %q, %v, want alice, true", got, ok)
	}
}

func TestParseTokens(t *testing.T) {
	t.Parallel()

	got, err := ParseTokens(" alice:tok1, bob:tok2,,")
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	if len(got) != 2 || got["tok1"] != "alice" || got["tok2"] != "bob" {
		t.Errorf("got = %v", got)
	}

	empty, err := ParseTokens("")
	if err != nil || len(empty) != 0 {
		t.Errorf("ParseTokens(\"\") = %v, %v, want empty", empty, err)
	}

	for _, bad := range []string{"alice", "alice:", ":tok", "alice:tok,bob:tok"} {
		if _, err := ParseTokens(bad); err == nil {
			t.Errorf("ParseTokens(%q): expected error", bad)
		}
	}
}
