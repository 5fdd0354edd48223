package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/config"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/metrics"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/retry"
)

// Options controls one volume upload.
type Options struct {
	// LocalPath is the volume file to upload.
	LocalPath string
	// RemoteName is the file name in the backend; defaults to the base name of LocalPath.
	RemoteName string
	// Force uploads even when a remote file of the same size exists.
	Force bool
}

// Result describes what happened to the volume.
type Result struct {
	RemoteName string
	Size       int64
	Skipped    bool
	Attempts   int
}

// Run uploads a local volume through b, skipping it when the remote already
// holds a file of the same size. Retryable failures are re-attempted with
// the configured backoff.
func Run(ctx context.Context, cfg config.Config, b backend.Backend, opt Options) (Result, error) {
	var res Result

	local := strings.TrimSpace(opt.LocalPath)
	if local == "" {
		return res, fmt.Errorf("backup: local path is empty (provide BACKUP_SOURCE or CLI arg)")
	}
	st, err := os.Stat(local)
	if err != nil {
		return res, fmt.Errorf("backup: %w", err)
	}
	if st.IsDir() {
		return res, fmt.Errorf("backup: %q is a directory", local)
	}
	if cfg.MaxVolumeSize > 0 && st.Size() > cfg.MaxVolumeSize {
		return res, fmt.Errorf("backup: %q is %s, above the volume size limit of %s",
			local, humanize.IBytes(uint64(st.Size())), humanize.IBytes(uint64(cfg.MaxVolumeSize)))
	}

	name := strings.TrimSpace(opt.RemoteName)
	if name == "" {
		name = filepath.Base(local)
	}
	res.RemoteName = name
	res.Size = st.Size()

	if !opt.Force {
		qStart := time.Now()
		remoteSize, err := b.Query(ctx, name)
		metrics.Observe(b.Name(), "query", qStart, err)
		if err != nil {
			return res, fmt.Errorf("query %q: %w", name, err)
		}
		if remoteSize == st.Size() {
			log.Info().
				Str("action", "upload").
				Str("backend", b.Name()).
				Str("remote", name).
				Int64("size", remoteSize).
				Msg("remote file has the same size, skipping upload")
			res.Skipped = true
			return res, nil
		}
	}

	start := time.Now()
	log.Info().
		Str("action", "upload").
		Str("backend", b.Name()).
		Str("local", local).
		Str("remote", name).
		Str("size", humanize.IBytes(uint64(st.Size()))).
		Msg("starting upload")

	err = retry.Do(ctx, cfg.RetryOptions(), backend.IsRetryable, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		attemptStart := time.Now()
		err := b.Put(ctx, local, name)
		metrics.Observe(b.Name(), "put", attemptStart, err)
		if err != nil {
			log.Debug().Err(err).Str("action", "upload").Str("remote", name).
				Int("attempt", attempt).Bool("retryable", backend.IsRetryable(err)).Msg("attempt failed")
		}
		return err
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("action", "upload").
			Str("backend", b.Name()).
			Str("remote", name).
			Int("attempts", res.Attempts).
			Dur("elapsed_ms", time.Since(start)).
			Msg("upload failed")
		return res, fmt.Errorf("upload %q: %w", name, err)
	}
	metrics.AddBytes(b.Name(), "upload", st.Size())

	log.Info().
		Str("action", "upload").
		Str("backend", b.Name()).
		Str("remote", name).
		Int("attempts", res.Attempts).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload OK")
	return res, nil
}
