package zoom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/workmesh/credbroker/platforms"
)

// rewriteTransport redirects Zoom API requests to the test server.
type rewriteTransport struct {
	server *httptest.Server
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.Contains(req.URL.Host, "zoom.us") {
		testURL, _ := url.Parse(rt.server.URL + req.URL.Path)
		req.URL = testURL
	}
	return http.DefaultTransport.RoundTrip(req)
}

func testProvider(t *testing.T, server *httptest.Server) *Provider {
	t.Helper()
	p, err := New(platforms.ClientConfig{
		ClientID:     "zoom-client",
		ClientSecret: "zoom-secret",
		RedirectURL:  "https://broker.example.com/oauth/callback/zoom",
		HTTPClient:   &http.Client{Transport: &rewriteTransport{server: server}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNewValidation(t *testing.T) {
	if _, err := New(platforms.ClientConfig{ClientSecret: "s", RedirectURL: "r"}); err == nil {
		t.Error("New() should reject a missing client ID")
	}
	if _, err := New(platforms.ClientConfig{ClientID: "c", RedirectURL: "r"}); err == nil {
		t.Error("New() should reject a missing client secret")
	}
}

func TestNameAndCategory(t *testing.T) {
	p, err := New(platforms.ClientConfig{
		ClientID:     "zoom-client",
		ClientSecret: "zoom-secret",
		RedirectURL:  "https://broker.example.com/oauth/callback/zoom",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Name() != "zoom" {
		t.Errorf("Name() = %q, want zoom", p.Name())
	}
	if p.Category() != platforms.CategoryMeeting {
		t.Errorf("Category() = %q, want meeting", p.Category())
	}
}

func TestAuthorizationURL(t *testing.T) {
	p, err := New(platforms.ClientConfig{
		ClientID:     "zoom-client",
		ClientSecret: "zoom-secret",
		RedirectURL:  "https://broker.example.com/oauth/callback/zoom",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	raw := p.AuthorizationURL("state-abc", "challenge-xyz")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("unparseable authorization URL: %v", err)
	}
	if u.Host != "zoom.us" {
		t.Errorf("host = %q, want zoom.us", u.Host)
	}
	q := u.Query()
	if q.Get("state") != "state-abc" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("code_challenge") != "challenge-xyz" {
		t.Errorf("code_challenge = %q", q.Get("code_challenge"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if !strings.Contains(q.Get("scope"), "meeting:read") {
		t.Errorf("scope = %q, want the default scopes", q.Get("scope"))
	}
}

func TestExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("code_verifier"); got != "the-verifier" {
			t.Errorf("code_verifier = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "zoom-at",
			"token_type":    "Bearer",
			"refresh_token": "zoom-rt",
			"expires_in":    3600,
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	p := testProvider(t, server)
	tok, err := p.Exchange(context.Background(), "auth-code", "the-verifier")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if tok.AccessToken != "zoom-at" || tok.RefreshToken != "zoom-rt" {
		t.Errorf("unexpected token: %+v", tok)
	}
}

func TestAccountInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/users/me", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer zoom-at" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"email":      "host@example.com",
			"first_name": "Pat",
			"last_name":  "Host",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	p := testProvider(t, server)
	acct, err := p.AccountInfo(context.Background(), "zoom-at")
	if err != nil {
		t.Fatalf("AccountInfo() error = %v", err)
	}
	if acct.Email != "host@example.com" {
		t.Errorf("Email = %q", acct.Email)
	}
	if acct.DisplayName != "Pat Host" {
		t.Errorf("DisplayName = %q, want first and last name joined", acct.DisplayName)
	}
}
