package auth

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// bearerTransport injects the session's access token and retries once with
// a refreshed token when the provider answers 401.
type bearerTransport struct {
	s    *Session
	base http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.s.currentToken(req.Context())
	if err != nil {
		closeBody(req)
		return nil, err
	}

	resp, err := t.base.RoundTrip(t.withToken(req, tok.AccessToken))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if !replayable(req) {
		log.Debug().
			Str("action", "http_unauthorized").
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Msg("request body cannot be replayed, not retrying after refresh")
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	log.Debug().
		Str("action", "http_unauthorized").
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("access token rejected, refreshing")

	tok, err = t.s.refreshAfterReject(req.Context(), tok)
	if err != nil {
		return nil, err
	}

	retry := t.withToken(req, tok.AccessToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}

func (t *bearerTransport) withToken(req *http.Request, accessToken string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+accessToken)
	if t.s.userAgent != "" && r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", t.s.userAgent)
	}
	return r
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
