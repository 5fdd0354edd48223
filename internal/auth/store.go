package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// TokenStore persists the OAuth2 token as JSON at a fixed path.
type TokenStore struct {
	path string
}

// NewTokenStore returns a store backed by the file at path.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Path returns the token file location.
func (s *TokenStore) Path() string { return s.path }

// Load returns the stored token, or nil if the file is missing, unreadable
// or does not hold a usable token. It never fails.
func (s *TokenStore) Load() *oauth2.Token {
	data, err := os.ReadFile(s.path)
	if err != nil {
		log.Info().
			Err(err).
			Str("action", "token_load").
			Str("path", s.path).
			Msg("could not load oauth2 token, a new one will be requested")
		return nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		log.Warn().
			Err(err).
			Str("action", "token_load").
			Str("path", s.path).
			Msg("oauth2 token file is malformed, a new one will be requested")
		return nil
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		log.Warn().
			Str("action", "token_load").
			Str("path", s.path).
			Msg("oauth2 token file holds no token, a new one will be requested")
		return nil
	}

	log.Debug().
		Str("action", "token_load").
		Str("path", s.path).
		Time("expiry", tok.Expiry).
		Msg("oauth2 token loaded")
	return &tok
}

// Save writes tok atomically (temp file + rename) with owner-only permissions.
func (s *TokenStore) Save(tok *oauth2.Token) error {
	if tok == nil {
		return fmt.Errorf("save token: nil token")
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".oauthtoken-*")
	if err != nil {
		return fmt.Errorf("create temp token file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}
