package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/retry"
)

// Cloud Drive defaults.
const (
	DefaultTokenPath   = "~/.clouddrive_oauthtoken.json"
	DefaultAuthURL     = "https://www.amazon.com/ap/oa"
	DefaultTokenURL    = "https://api.amazon.com/auth/o2/token"
	DefaultRedirectURL = "http://127.0.0.1/"
	DefaultMetadataURL = "https://drive.amazonaws.com/drive/v1/"
	DefaultScopes      = "clouddrive:read_other clouddrive:write"
)

type Config struct {
	Backend string

	// Target is the remote folder path (clouddrive) or blob prefix (azure).
	Target string
	// MaxVolumeSize is the largest volume the workflows upload, in bytes.
	MaxVolumeSize int64

	// Back/restore I/O
	BackupSource  string
	BackupName    string
	RestoreSource string
	RestoreTarget string

	CloudDrive CloudDriveConfig
	Azure      AzureConfig

	PushgatewayURL string

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

type CloudDriveConfig struct {
	ClientID     string
	ClientSecret string
	TokenPath    string // "~" expanded
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	MetadataURL  string // bootstrap, replaced by endpoint discovery

	RequestTimeout time.Duration
}

type AzureConfig struct {
	Account   string
	Container string
	SASToken  string

	ClientID     string
	ClientSecret string
	TenantID     string
}

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return v
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	volsize, err := humanize.ParseBytes(get("BACKUP_VOLSIZE", "200MiB"))
	if err != nil {
		return Config{}, fmt.Errorf("BACKUP_VOLSIZE: %w", err)
	}

	tokenPath, err := homedir.Expand(get("CLOUDDRIVE_TOKEN_PATH", DefaultTokenPath))
	if err != nil {
		return Config{}, fmt.Errorf("CLOUDDRIVE_TOKEN_PATH: %w", err)
	}

	cfg := Config{
		Backend:       strings.ToLower(get("BACKUP_BACKEND", "clouddrive")),
		Target:        strings.Trim(get("BACKUP_TARGET", "backups"), "/"),
		MaxVolumeSize: int64(volsize),

		BackupSource:  get("BACKUP_SOURCE", ""),
		BackupName:    get("BACKUP_NAME", ""),
		RestoreSource: get("RESTORE_SOURCE", ""),
		RestoreTarget: get("RESTORE_TARGET", ""),

		CloudDrive: CloudDriveConfig{
			ClientID:       get("CLOUDDRIVE_CLIENT_ID", ""),
			ClientSecret:   get("CLOUDDRIVE_CLIENT_SECRET", ""),
			TokenPath:      tokenPath,
			AuthURL:        get("CLOUDDRIVE_AUTH_URL", DefaultAuthURL),
			TokenURL:       get("CLOUDDRIVE_TOKEN_URL", DefaultTokenURL),
			RedirectURL:    get("CLOUDDRIVE_REDIRECT_URL", DefaultRedirectURL),
			Scopes:         strings.Fields(get("CLOUDDRIVE_SCOPES", DefaultScopes)),
			MetadataURL:    get("CLOUDDRIVE_METADATA_URL", DefaultMetadataURL),
			RequestTimeout: parseDur("CLOUDDRIVE_REQUEST_TIMEOUT", 60*time.Second),
		},

		Azure: AzureConfig{
			Account:      get("AZURE_STORAGE_ACCOUNT", ""),
			Container:    get("AZURE_STORAGE_CONTAINER", ""),
			SASToken:     get("AZURE_STORAGE_SAS", ""),
			ClientID:     get("AZURE_CLIENT_ID", ""),
			ClientSecret: get("AZURE_CLIENT_SECRET", ""),
			TenantID:     get("AZURE_TENANT_ID", ""),
		},

		PushgatewayURL: get("PUSHGATEWAY_URL", ""),

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks backend-specific requirements.
func (c *Config) validate() error {
	if c.MaxVolumeSize <= 0 {
		return errors.New("BACKUP_VOLSIZE must be positive")
	}
	switch c.Backend {
	case "clouddrive":
		if c.CloudDrive.ClientID == "" || c.CloudDrive.ClientSecret == "" {
			return errors.New("clouddrive: CLOUDDRIVE_CLIENT_ID and CLOUDDRIVE_CLIENT_SECRET are required")
		}
		if c.CloudDrive.RequestTimeout <= 0 {
			return errors.New("clouddrive: CLOUDDRIVE_REQUEST_TIMEOUT must be positive")
		}
	case "azure":
		if c.Azure.Account == "" || c.Azure.Container == "" {
			return errors.New("azure: AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER are required")
		}
		// Accept SAS or SP (ClientID/Secret/Tenant). If neither, the provider falls back to DefaultAzureCredential.
	default:
		return errors.New("unsupported backend: " + c.Backend)
	}
	return nil
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}
