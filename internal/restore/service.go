package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/config"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/metrics"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/retry"
)

// Options controls the restore workflow.
type Options struct {
	// RemoteName is the backend file name (e.g., "duplicity-full.20250908T154201Z.vol1.difftar.gpg").
	RemoteName string
	// LocalPath is where the file is downloaded.
	// If empty, defaults to the remote name in the working directory.
	LocalPath string
}

// Run downloads a remote file to a local path, retrying transient failures.
// A missing remote file is reported at once.
func Run(ctx context.Context, cfg config.Config, b backend.Backend, opt Options) error {
	remote := strings.TrimSpace(opt.RemoteName)
	if remote == "" {
		return fmt.Errorf("restore: remote name is empty (provide RESTORE_SOURCE or CLI arg)")
	}

	local := strings.TrimSpace(opt.LocalPath)
	if local == "" {
		local = filepath.Base(remote)
	}
	local = filepath.Clean(local)

	start := time.Now()
	log.Info().
		Str("action", "download").
		Str("backend", b.Name()).
		Str("remote", remote).
		Str("local", local).
		Msg("starting download")

	attempts := 0
	err := retry.Do(ctx, cfg.RetryOptions(), backend.IsRetryable, func(ctx context.Context, attempt int) error {
		attempts = attempt
		attemptStart := time.Now()
		err := b.Get(ctx, remote, local)
		metrics.Observe(b.Name(), "get", attemptStart, err)
		return err
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("action", "download").
			Str("backend", b.Name()).
			Str("remote", remote).
			Str("local", local).
			Int("attempts", attempts).
			Dur("elapsed_ms", time.Since(start)).
			Msg("download failed")
		return fmt.Errorf("download %q: %w", remote, err)
	}

	if st, err := os.Stat(local); err == nil {
		metrics.AddBytes(b.Name(), "download", st.Size())
	}
	log.Info().
		Str("action", "download").
		Str("backend", b.Name()).
		Str("remote", remote).
		Str("local", local).
		Int("attempts", attempts).
		Dur("elapsed_ms", time.Since(start)).
		Msg("download OK")
	return nil
}
