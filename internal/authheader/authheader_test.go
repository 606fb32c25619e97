package authheader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
)

func TestBuildNone(t *testing.T) {
	b := New()
	h, err := b.Build(context.Background(), &integration.Integration{AuthType: integration.AuthNone})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(h) != 0 {
		t.Errorf("Build(NONE) = %v, want empty headers", h)
	}
}

func TestBuildAPIKey(t *testing.T) {
	b := New()
	integ := &integration.Integration{
		AuthType: integration.AuthAPIKey,
		Auth:     integration.AuthConfig{HeaderName: "X-Api-Key", APIKey: "sekret"},
	}
	h, err := b.Build(context.Background(), integ)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := h.Get("X-Api-Key"); got != "sekret" {
		t.Errorf("X-Api-Key = %q", got)
	}
}

func TestBuildBearer(t *testing.T) {
	b := New()
	integ := &integration.Integration{
		AuthType: integration.AuthBearer,
		Auth:     integration.AuthConfig{Token: "tok-1"},
	}
	h, err := b.Build(context.Background(), integ)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestBuildBasic(t *testing.T) {
	b := New()
	integ := &integration.Integration{
		AuthType: integration.AuthBasic,
		Auth:     integration.AuthConfig{Username: "u", Password: "p"},
	}
	h, err := b.Build(context.Background(), integ)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("u:p"))
	if got := h.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}

func TestBuildCustom(t *testing.T) {
	b := New()
	integ := &integration.Integration{
		AuthType: integration.AuthCustom,
		Auth:     integration.AuthConfig{Headers: map[string]string{"X-A": "1", "X-B": "2"}},
	}
	h, err := b.Build(context.Background(), integ)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if h.Get("X-A") != "1" || h.Get("X-B") != "2" {
		t.Errorf("custom headers = %v", h)
	}
}

func TestBuildUnknownType(t *testing.T) {
	b := New()
	_, err := b.Build(context.Background(), &integration.Integration{AuthType: "MAGIC"})
	if fault.CategoryOf(err) != fault.Authentication {
		t.Errorf("category = %q, want authentication", fault.CategoryOf(err))
	}
}

func oauthIntegration(id, tokenURL string) *integration.Integration {
	return &integration.Integration{
		ID:       id,
		AuthType: integration.AuthOAuth2,
		Auth: integration.AuthConfig{
			ClientID:     "client",
			ClientSecret: "secret",
			TokenURL:     tokenURL,
		},
	}
}

func TestBuildOAuth2CachesPerIntegration(t *testing.T) {
	var fetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	b := New()
	integ := oauthIntegration("int-oauth", srv.URL+"/token")

	for i := 0; i < 3; i++ {
		h, err := b.Build(context.Background(), integ)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if got := h.Get("Authorization"); !strings.HasPrefix(got, "Bearer ") {
			t.Errorf("Authorization = %q", got)
		}
	}
	if fetches != 1 {
		t.Errorf("token endpoint hit %d times, want 1 (cached)", fetches)
	}
}

func TestInvalidateForcesRefetchWithoutAffectingOthers(t *testing.T) {
	fetches := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		id := r.FormValue("client_id")
		if id == "" {
			id, _, _ = r.BasicAuth()
		}
		fetches[id]++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	b := New()
	a := oauthIntegration("int-a", srv.URL)
	a.Auth.ClientID = "a"
	c := oauthIntegration("int-c", srv.URL)
	c.Auth.ClientID = "c"

	for _, integ := range []*integration.Integration{a, c} {
		if _, err := b.Build(context.Background(), integ); err != nil {
			t.Fatalf("Build() error = %v", err)
		}
	}

	b.Invalidate("int-a")

	for _, integ := range []*integration.Integration{a, c} {
		if _, err := b.Build(context.Background(), integ); err != nil {
			t.Fatalf("Build() error = %v", err)
		}
	}
	if fetches["a"] != 2 {
		t.Errorf("invalidated integration fetched %d times, want 2", fetches["a"])
	}
	if fetches["c"] != 1 {
		t.Errorf("untouched integration fetched %d times, want 1", fetches["c"])
	}
}

func TestBuildOAuth2FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := New()
	_, err := b.Build(context.Background(), oauthIntegration("int-bad", srv.URL))
	if fault.CategoryOf(err) != fault.Authentication {
		t.Errorf("category = %q, want authentication", fault.CategoryOf(err))
	}
	if fault.CodeOf(err) != "OAUTH2_TOKEN_FETCH" {
		t.Errorf("code = %q", fault.CodeOf(err))
	}
}
