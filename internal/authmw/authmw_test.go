package authmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func single(token string) map[string]string {
	return map[string]string{token: "duty"}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestBearerTokens_ValidToken(t *testing.T) {
	t.Parallel()

	h := BearerTokens(single("secret-token-123"))(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer secret-token-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestBearerTokens_MissingHeader(t *testing.T) {
	t.Parallel()

	h := BearerTokens(single("secret"))(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestBearerTokens_WrongPrefix(t *testing.T) {
	t.Parallel()

	h := BearerTokens(single("secret"))(okHandler)

	tests := []struct {
		name  string
		value string
	}{
		{"Basic auth", "Basic dXNlcjpwYXNz"},
		{"lowercase bearer", "bearer secret"},
		{"no prefix", "secret"},
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

	h := BearerTokens(single("correct-token"))(okHandler)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong token", "wrong-token"},
		{"partial match", "correct"},
		{"token with suffix", "correct-token-extra"},
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

func TestBearerTokens_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})

	h := BearerTokens(single("tok"))(inner)

	req := httptest.NewRequest(http.MethodPost, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestBearerTokens_SetsOperator(t *testing.T) {
	t.Parallel()

	tokens := map[string]string{"tok-a": "alice", "tok-b": "duty-desk"}

	tests := []struct {
		token string
		want  string
	}{
		{"tok-a", "alice"},
		{"tok-b", "duty-desk"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()

			var got string
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = Operator(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			BearerTokens(tokens)(inner).ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if got != tt.want {
				t.Errorf("operator = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBearerTokens_EmptyTokenNeverMatches(t *testing.T) {
	t.Parallel()

	h := BearerTokens(map[string]string{"": "ghost"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestOperator_Missing(t *testing.T) {
	t.Parallel()

	if _, ok := Operator(context.Background()); ok {
		t.Error("expected no operator on a bare context")
	}
	if got, ok := Operator(WithOperator(context.Background(), "bob")); !ok || got != "bob" {
		t.Errorf("Operator() = %q, %v", got, ok)
	}
}

func TestParseTokens(t *testing.T) {
	t.Parallel()

	got, err := ParseTokens(" alice:tok-a , duty-desk:tok-b,")
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	if got["tok-a"] != "alice" || got["tok-b"] != "duty-desk" || len(got) != 2 {
		t.Errorf("ParseTokens() = %v", got)
	}
	if names := Names(got); strings.Join(names, ",") != "alice,duty-desk" {
		t.Errorf("Names() = %v", names)
	}

	empty, err := ParseTokens("")
	if err != nil || len(empty) != 0 {
		t.Errorf("ParseTokens(\"\") = %v, %v", empty, err)
	}
}

func TestParseTokens_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"no separator", "secret-token", "must be name:token"},
		{"empty name", ":tok", "must be name:token"},
		{"empty token", "alice:", "must be name:token"},
		{"duplicate name", "alice:a,alice:b", "duplicate api token name"},
		{"duplicate token", "alice:a,bob:a", "duplicates another"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseTokens(tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
			if strings.Contains(err.Error(), "secret") {
				t.Errorf("error leaks token: %q", err.Error())
			}
		})
	}
}
