package clouddrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/auth"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/config"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/metrics"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/version"
)

// newAuthorizer is replaced in tests.
var newAuthorizer = func() auth.Authorizer { return auth.NewTerminalAuthorizer() }

// newTransport builds the base transport: bounded connection setup and
// response headers, no overall deadline so large transfers can complete.
func newTransport() http.RoundTripper {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSHandshakeTimeout = 15 * time.Second
	tr.ResponseHeaderTimeout = 2 * time.Minute
	return metrics.InstrumentTransport("clouddrive", tr)
}

// SessionConfig maps the application config onto the session config.
func SessionConfig(c config.Config) auth.Config {
	return auth.Config{
		ClientID:       c.CloudDrive.ClientID,
		ClientSecret:   c.CloudDrive.ClientSecret,
		AuthURL:        c.CloudDrive.AuthURL,
		TokenURL:       c.CloudDrive.TokenURL,
		RedirectURL:    c.CloudDrive.RedirectURL,
		Scopes:         c.CloudDrive.Scopes,
		MetadataURL:    c.CloudDrive.MetadataURL,
		Store:          auth.NewTokenStore(c.CloudDrive.TokenPath),
		Authorizer:     newAuthorizer(),
		Transport:      newTransport(),
		RequestTimeout: c.CloudDrive.RequestTimeout,
		UserAgent:      version.UserAgent(),
	}
}

// sessionError marks authentication failures that need the operator as
// fatal. Network errors and unexpected statuses stay generic failures.
func sessionError(err error) error {
	err = fmt.Errorf("clouddrive: %w", err)
	var re *oauth2.RetrieveError
	if errors.Is(err, auth.ErrNotInteractive) || errors.Is(err, auth.ErrDiscovery) || errors.As(err, &re) {
		return backend.Fatal(err)
	}
	return err
}

func init() {
	backend.Register("clouddrive", func(ctx context.Context, cfg any) (backend.Backend, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("clouddrive: invalid config type")
		}
		if err := CheckVolumeSize(c.MaxVolumeSize); err != nil {
			return nil, err
		}

		sess, err := auth.Authenticate(ctx, SessionConfig(c))
		if err != nil {
			return nil, sessionError(err)
		}
		d, err := New(ctx, sess, Options{
			Target:         c.Target,
			MaxVolumeSize:  c.MaxVolumeSize,
			RequestTimeout: c.CloudDrive.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("clouddrive: %w", err)
		}
		return d, nil
	})
}
