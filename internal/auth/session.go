package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
)

const endpointPath = "account/endpoint"

// ErrDiscovery is returned when the endpoint discovery response lacks the
// metadata or content URL.
var ErrDiscovery = errors.New("could not retrieve endpoint URLs for this account")

var errNoRefreshToken = errors.New("no refresh token")

// Config describes the OAuth2 client and the provider bootstrap endpoint.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// MetadataURL is the base URL used for endpoint discovery.
	MetadataURL string

	Store      *TokenStore
	Authorizer Authorizer

	// Transport is the base RoundTripper for token and API calls.
	// Nil means http.DefaultTransport.
	Transport http.RoundTripper
	// RequestTimeout bounds token and discovery calls. Zero means 60s.
	RequestTimeout time.Duration
	UserAgent      string
}

// Session owns the current credential token and the discovered endpoints.
// Requests sent through Client carry the bearer token; an expired token is
// refreshed before sending, and a 401 answer triggers one refresh and one
// retry of replayable requests. Refreshed tokens are persisted via the store.
type Session struct {
	oauth      *oauth2.Config
	store      *TokenStore
	authorizer Authorizer
	base       http.RoundTripper
	timeout    time.Duration
	userAgent  string
	client     *http.Client

	mu    sync.Mutex
	token *oauth2.Token

	bootstrapURL string
	metadataURL  string
	contentURL   string
}

type endpoints struct {
	MetadataURL string `json:"metadataUrl"`
	ContentURL  string `json:"contentUrl"`
}

// Authenticate loads and refreshes the stored token, falls back to the
// interactive authorization when no valid token exists, and discovers the
// account's metadata and content endpoints.
func Authenticate(ctx context.Context, cfg Config) (*Session, error) {
	s := newSession(cfg)
	if s.store == nil {
		return nil, errors.New("auth: token store is required")
	}

	var eps endpoints
	valid := false
	if tok := s.store.Load(); tok != nil {
		s.token = tok
		var err error
		valid, eps, err = s.validateStored(ctx)
		if err != nil {
			return nil, err
		}
	}

	if !valid {
		if err := s.authorize(ctx); err != nil {
			return nil, err
		}
		var err error
		if eps, err = s.discover(ctx, s.metadataBase()); err != nil {
			return nil, fmt.Errorf("endpoint discovery: %w", err)
		}
	}

	if eps.MetadataURL == "" || eps.ContentURL == "" {
		return nil, ErrDiscovery
	}
	s.metadataURL = withSlash(eps.MetadataURL)
	s.contentURL = withSlash(eps.ContentURL)

	log.Info().
		Str("action", "session").
		Str("metadata_url", s.metadataURL).
		Str("content_url", s.contentURL).
		Msg("cloud drive session established")
	return s, nil
}

// NewStaticSession returns a session with a fixed token and known endpoints,
// skipping load, authorization and discovery.
func NewStaticSession(cfg Config, tok *oauth2.Token, metadataURL, contentURL string) *Session {
	s := newSession(cfg)
	s.token = tok
	s.metadataURL = withSlash(metadataURL)
	s.contentURL = withSlash(contentURL)
	return s
}

func newSession(cfg Config) *Session {
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Session{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		store:        cfg.Store,
		authorizer:   cfg.Authorizer,
		base:         base,
		timeout:      timeout,
		userAgent:    cfg.UserAgent,
		bootstrapURL: cfg.MetadataURL,
	}
	s.client = &http.Client{Transport: &bearerTransport{s: s, base: base}}
	return s
}

// Client returns the authenticated HTTP client. It sets no overall timeout
// so that large content transfers are bounded only by the caller's context.
func (s *Session) Client() *http.Client { return s.client }

// MetadataURL is the discovered metadata base URL, with a trailing slash.
func (s *Session) MetadataURL() string { return s.metadataURL }

// ContentURL is the discovered content base URL, with a trailing slash.
func (s *Session) ContentURL() string { return s.contentURL }

// Refresh obtains a new access token using the refresh token and persists it.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.refreshLocked(ctx)
	return err
}

// validateStored refreshes the loaded token and probes endpoint discovery
// with it. A refresh rejected by the token endpoint or a non-success probe
// invalidates the token; transport failures are returned.
func (s *Session) validateStored(ctx context.Context) (bool, endpoints, error) {
	if err := s.Refresh(ctx); err != nil {
		if !tokenRejected(err) {
			return false, endpoints{}, fmt.Errorf("refresh stored oauth2 token: %w", err)
		}
		log.Warn().
			Err(err).
			Str("action", "oauth2_refresh").
			Msg("stored oauth2 token could not be refreshed")
		s.setToken(nil)
		return false, endpoints{}, nil
	}

	eps, err := s.discover(ctx, s.metadataBase())
	if err != nil {
		var he *backend.HTTPError
		if errors.As(err, &he) {
			log.Warn().
				Int("status", he.StatusCode).
				Str("action", "endpoint_probe").
				Msg("stored oauth2 token rejected by provider")
			s.setToken(nil)
			return false, endpoints{}, nil
		}
		return false, endpoints{}, fmt.Errorf("endpoint discovery: %w", err)
	}
	return true, eps, nil
}

// tokenRejected reports whether err is an answer of the token endpoint, or
// the token cannot be refreshed at all.
func tokenRejected(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re) || errors.Is(err, errNoRefreshToken)
}

func (s *Session) authorize(ctx context.Context) error {
	if s.authorizer == nil {
		return fmt.Errorf("oauth2 token could not be loaded from %s: %w", s.store.Path(), ErrNotInteractive)
	}

	state := uuid.NewString()
	authURL := s.oauth.AuthCodeURL(state)

	redirected, err := s.authorizer.Authorize(ctx, authURL)
	if err != nil {
		if errors.Is(err, ErrNotInteractive) {
			return fmt.Errorf("oauth2 token could not be loaded from %s and the process is not "+
				"interactive; run once from a terminal to authorize: %w", s.store.Path(), err)
		}
		return fmt.Errorf("authorize: %w", err)
	}

	code, err := codeFromRedirect(redirected, state)
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(s.tokenContext(ctx), s.timeout)
	defer cancel()
	tok, err := s.oauth.Exchange(tctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	s.setToken(tok)
	s.persist(tok)
	log.Info().
		Str("action", "oauth2_exchange").
		Time("expiry", tok.Expiry).
		Msg("oauth2 authorization OK")
	return nil
}

func codeFromRedirect(redirected, state string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(redirected))
	if err != nil {
		return "", fmt.Errorf("parse redirect url: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s %s", e, q.Get("error_description"))
	}
	if got := q.Get("state"); got != state {
		return "", fmt.Errorf("authorization state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("redirect url has no authorization code")
	}
	return code, nil
}

func (s *Session) discover(ctx context.Context, metadataURL string) (endpoints, error) {
	var eps endpoints

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u := withSlash(metadataURL) + endpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return eps, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return eps, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return eps, &backend.HTTPError{
			Method:     http.MethodGet,
			URL:        u,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(&eps); err != nil {
		return eps, fmt.Errorf("decode endpoints: %w", err)
	}
	return eps, nil
}

// metadataBase is the discovered metadata URL, or the bootstrap one before
// discovery ran.
func (s *Session) metadataBase() string {
	if s.metadataURL != "" {
		return s.metadataURL
	}
	return s.bootstrapURL
}

func (s *Session) setToken(tok *oauth2.Token) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

// currentToken returns a valid token, refreshing an expired one.
func (s *Session) currentToken(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil, errors.New("no oauth2 token")
	}
	if s.token.Valid() {
		return s.token, nil
	}
	return s.refreshLocked(ctx)
}

// refreshAfterReject refreshes unless another request already replaced the
// rejected token.
func (s *Session) refreshAfterReject(ctx context.Context, rejected *oauth2.Token) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil && rejected != nil && s.token.AccessToken != rejected.AccessToken {
		return s.token, nil
	}
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	if s.token == nil || s.token.RefreshToken == "" {
		return nil, errNoRefreshToken
	}

	tctx, cancel := context.WithTimeout(s.tokenContext(ctx), s.timeout)
	defer cancel()

	// An empty access token forces the token source to refresh.
	src := s.oauth.TokenSource(tctx, &oauth2.Token{RefreshToken: s.token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh oauth2 token: %w", err)
	}

	s.token = tok
	s.persist(tok)
	log.Debug().
		Str("action", "oauth2_refresh").
		Time("expiry", tok.Expiry).
		Msg("oauth2 token refreshed")
	return tok, nil
}

// persist saves tok; failures are logged and swallowed.
func (s *Session) persist(tok *oauth2.Token) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(tok); err != nil {
		log.Error().
			Err(err).
			Str("action", "token_save").
			Str("path", s.store.Path()).
			Msg("could not save the oauth2 token, the authorization may need to be repeated soon")
	}
}

func (s *Session) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: s.base})
}

func withSlash(u string) string {
	if u != "" && !strings.HasSuffix(u, "/") {
		return u + "/"
	}
	return u
}
