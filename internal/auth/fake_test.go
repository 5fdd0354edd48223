package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// fakeProvider is an OAuth2 token endpoint plus the endpoint discovery and a
// protected resource.
type fakeProvider struct {
	srv *httptest.Server

	mu            sync.Mutex
	issued        int
	valid         map[string]bool
	refreshTokens map[string]bool
	codes         map[string]bool
	probeRejects  int
	omitContent   bool
	calls         map[string]int
	bodies        []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		valid:         map[string]bool{},
		refreshTokens: map[string]bool{"r1": true},
		codes:         map[string]bool{"good-code": true},
		calls:         map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", p.token)
	mux.HandleFunc("GET /drive/account/endpoint", p.endpoint)
	mux.HandleFunc("/drive/resource", p.resource)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) config(store *TokenStore, a Authorizer) Config {
	return Config{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      p.srv.URL + "/auth",
		TokenURL:     p.srv.URL + "/token",
		RedirectURL:  "http://127.0.0.1/",
		Scopes:       []string{"clouddrive:read_all", "clouddrive:write"},
		MetadataURL:  p.srv.URL + "/drive/",
		Store:        store,
		Authorizer:   a,
		UserAgent:    "clouddrive-backup/test",
	}
}

func (p *fakeProvider) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

func (p *fakeProvider) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (p *fakeProvider) issueLocked(w http.ResponseWriter, refresh string) {
	p.issued++
	at := fmt.Sprintf("at-%d", p.issued)
	p.valid[at] = true
	p.writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  at,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    3600,
	})
}

func (p *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.PostForm.Get("client_id") != "client" || r.PostForm.Get("client_secret") != "secret" {
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "refresh_token":
		p.calls["refresh"]++
		rt := r.PostForm.Get("refresh_token")
		if !p.refreshTokens[rt] {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		p.issueLocked(w, rt)
	case "authorization_code":
		p.calls["exchange"]++
		if !p.codes[r.PostForm.Get("code")] {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		p.refreshTokens["r2"] = true
		p.issueLocked(w, "r2")
	default:
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *fakeProvider) authorized(r *http.Request) bool {
	at, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && p.valid[at]
}

func (p *fakeProvider) endpoint(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["endpoint"]++
	if p.probeRejects > 0 {
		p.probeRejects--
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Token has expired"})
		return
	}
	if !p.authorized(r) {
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}
	eps := map[string]any{
		"metadataUrl":      p.srv.URL + "/drive",
		"contentUrl":       p.srv.URL + "/content",
		"customerExists":   true,
		"countryAtSignup":  "DE",
		"retailerRegistry": "amazon.de",
	}
	if p.omitContent {
		delete(eps, "contentUrl")
	}
	p.writeJSON(w, http.StatusOK, eps)
}

func (p *fakeProvider) resource(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["resource"]++
	p.bodies = append(p.bodies, string(body))
	if !p.authorized(r) {
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
		return
	}
	p.writeJSON(w, http.StatusOK, map[string]string{"user_agent": r.UserAgent()})
}

// stubAuthorizer plays the operator: it answers the consent page with a
// redirect carrying code and the state from the authorization URL.
type stubAuthorizer struct {
	code     string
	badState bool
	err      error
	calls    int
	lastURL  string
}

func (a *stubAuthorizer) Authorize(_ context.Context, authURL string) (string, error) {
	a.calls++
	a.lastURL = authURL
	if a.err != nil {
		return "", a.err
	}
	u, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}
	state := u.Query().Get("state")
	if a.badState {
		state = "forged"
	}
	return "https://127.0.0.1/?code=" + url.QueryEscape(a.code) + "&state=" + url.QueryEscape(state), nil
}
