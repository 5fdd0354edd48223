package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/backup"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/config"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/logx"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/metrics"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/restore"
	"github.com/Chapsvision-dev/clouddrive-backup/internal/version"

	_ "github.com/Chapsvision-dev/clouddrive-backup/internal/backend/azure"
	_ "github.com/Chapsvision-dev/clouddrive-backup/internal/backend/clouddrive"
)

// Test seams, overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig  func() (config.Config, error)                                                                = config.Load
	newBackend  func(ctx context.Context, name string, cfg any) (backend.Backend, error)                     = backend.New
	backupRun   func(context.Context, config.Config, backend.Backend, backup.Options) (backup.Result, error) = backup.Run
	restoreRun  func(context.Context, config.Config, backend.Backend, restore.Options) error                 = restore.Run
	pushMetrics func(ctx context.Context, url, job string) error                                             = metrics.Push
	exit        func(int)                                                                                    = os.Exit
)

const usage = `
Usage:
  clouddrive-backup backup  [localFile] [remoteName]
  clouddrive-backup restore [remoteName] [localFile]
  clouddrive-backup list
  clouddrive-backup query   <remoteName>
  clouddrive-backup delete  <remoteName>
  clouddrive-backup auth
  clouddrive-backup version | --version | -v
  clouddrive-backup help    | --help    | -h

Notes:
  - You can also set env vars:
      BACKUP_SOURCE, BACKUP_NAME, RESTORE_SOURCE, RESTORE_TARGET
  - Backend is selected with BACKUP_BACKEND (default: clouddrive).
  - Remote folder: BACKUP_TARGET (default: backups). Volume limit: BACKUP_VOLSIZE (default: 200MiB).
  - Cloud Drive OAuth2 client: CLOUDDRIVE_CLIENT_ID, CLOUDDRIVE_CLIENT_SECRET.
    The first run must be interactive to authorize; the token is kept in
    CLOUDDRIVE_TOKEN_PATH (default: ~/.clouddrive_oauthtoken.json).
  - Exit codes: 0 success, 1 runtime error, 2 usage error, 3 operator action required.
`

// main wires CLI -> config -> backend -> command.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Print(usage)
		exit(2)
	}
	action := strings.ToLower(args[0])

	switch action {
	case "version", "--version", "-v":
		fmt.Printf("clouddrive-backup %s\n", version.Info())
		exit(0)
	case "help", "--help", "-h":
		fmt.Print(usage)
		exit(0)
	case "backup", "restore", "list", "query", "delete", "auth":
	default:
		fmt.Print(usage)
		exit(2)
	}
	if (action == "query" || action == "delete") && pickArgOrEnv(2, "", "") == "" {
		fmt.Print(usage)
		exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		exit(1)
	}

	ctx := withSignals(context.Background())

	// Build backend from config; this authenticates and resolves the target.
	initStart := time.Now()
	b, err := newBackend(ctx, cfg.Backend, cfg)
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.Backend).Msg("backend init error")
		exit(exitCode(err))
	}
	log.Debug().
		Str("action", "backend_init").
		Str("backend", cfg.Backend).
		Str("target", cfg.Target).
		Dur("elapsed_ms", time.Since(initStart)).
		Msg("backend ready")

	code := run(ctx, cfg, b, action)
	publishMetrics(cfg, action)
	exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, cfg config.Config, b backend.Backend, action string) int {
	switch action {
	case "backup":
		source := pickArgOrEnv(2, "BACKUP_SOURCE", cfg.BackupSource)
		name := pickArgOrEnv(3, "BACKUP_NAME", cfg.BackupName)
		force := strings.EqualFold(os.Getenv("BACKUP_FORCE"), "true")

		res, err := backupRun(ctx, cfg, b, backup.Options{
			LocalPath:  source,
			RemoteName: name,
			Force:      force,
		})
		if err != nil {
			log.Error().Err(err).Str("action", "backup").Str("local", source).Msg("backup failed")
			return exitCode(err)
		}
		log.Info().
			Str("action", "backup").
			Str("backend", b.Name()).
			Str("remote", res.RemoteName).
			Bool("skipped", res.Skipped).
			Msg("backup OK")

	case "restore":
		source := pickArgOrEnv(2, "RESTORE_SOURCE", cfg.RestoreSource) // remote name
		target := pickArgOrEnv(3, "RESTORE_TARGET", cfg.RestoreTarget) // local file (optional)

		if err := restoreRun(ctx, cfg, b, restore.Options{
			RemoteName: source,
			LocalPath:  target,
		}); err != nil {
			log.Error().Err(err).Str("action", "restore").Str("remote", source).Msg("restore failed")
			return exitCode(err)
		}
		log.Info().Str("action", "restore").Str("backend", b.Name()).Str("remote", source).Msg("restore OK")

	case "list":
		start := time.Now()
		names, err := b.List(ctx)
		metrics.Observe(b.Name(), "list", start, err)
		if err != nil {
			log.Error().Err(err).Str("action", "list").Msg("list failed")
			return exitCode(err)
		}
		for _, n := range names {
			fmt.Println(n)
		}

	case "query":
		name := os.Args[2]
		start := time.Now()
		size, err := b.Query(ctx, name)
		metrics.Observe(b.Name(), "query", start, err)
		if err != nil {
			log.Error().Err(err).Str("action", "query").Str("remote", name).Msg("query failed")
			return exitCode(err)
		}
		fmt.Println(size)

	case "delete":
		name := os.Args[2]
		start := time.Now()
		err := b.Delete(ctx, name)
		metrics.Observe(b.Name(), "delete", start, err)
		if err != nil {
			log.Error().Err(err).Str("action", "delete").Str("remote", name).Msg("delete failed")
			return exitCode(err)
		}
		log.Info().Str("action", "delete").Str("backend", b.Name()).Str("remote", name).Msg("delete OK")

	case "auth":
		log.Info().Str("action", "auth").Str("backend", b.Name()).Msg("backend authorized and target resolved")
	}
	return 0
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if backend.IsFatal(err) {
		return 3
	}
	return 1
}

func publishMetrics(cfg config.Config, action string) {
	if cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pushMetrics(ctx, cfg.PushgatewayURL, "clouddrive_backup_"+action); err != nil {
		log.Warn().Err(err).Str("action", "metrics_push").Str("url", cfg.PushgatewayURL).Msg("metrics push failed")
	}
}

func pickArgOrEnv(idx int, env string, def string) string {
	if len(os.Args) > idx && os.Args[idx] != "" {
		return os.Args[idx]
	}
	if env != "" {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			return v
		}
	}
	return def
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}
