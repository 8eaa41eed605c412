// Package config loads the settings of the command line tool from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-drive/resumable"
	"github.com/bitrise-io/go-drive/s3source"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// Environment variables read by Load.
const (
	ClientIDKey           = "DRIVE_CLIENT_ID"
	ClientSecretKey       = "DRIVE_CLIENT_SECRET"
	RedirectURLKey        = "DRIVE_REDIRECT_URL"
	AccessTokenKey        = "DRIVE_ACCESS_TOKEN"
	TokenFileKey          = "DRIVE_TOKEN_FILE"
	BaseURLKey            = "DRIVE_BASE_URL"
	UploadURLKey          = "DRIVE_UPLOAD_URL"
	SupportsAllDrivesKey  = "DRIVE_SUPPORTS_ALL_DRIVES"
	MaxRetriesKey         = "DRIVE_MAX_RETRIES"
	MaxSessionRenewalsKey = "DRIVE_MAX_SESSION_RENEWALS"
	MinBackoffKey         = "DRIVE_MIN_BACKOFF"
	MaxBackoffKey         = "DRIVE_MAX_BACKOFF"
	StallTimeoutKey       = "DRIVE_STALL_TIMEOUT"
	ConcurrencyKey        = "DRIVE_CONCURRENCY"
	AnalyticsKey          = "DRIVE_ANALYTICS"
	VerboseKey            = "DRIVE_VERBOSE"
	S3RegionKey           = "AWS_REGION"
	S3AccessKeyIDKey      = "AWS_ACCESS_KEY_ID"
	S3SecretAccessKeyKey  = "AWS_SECRET_ACCESS_KEY"
	S3NumRetriesKey       = "DRIVE_S3_RETRIES"
)

const (
	// DefaultTokenFile is where the token of the auth command is stored.
	DefaultTokenFile = "~/.config/driveupload/token.json"
	// DefaultRedirectURL is the loopback redirect of installed applications.
	DefaultRedirectURL = "http://localhost"
	// DefaultConcurrency is the number of parallel uploads of the upload command.
	DefaultConcurrency = 4
)

// Secret is a string that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config ...
type Config struct {
	ClientID     string
	ClientSecret Secret
	RedirectURL  string
	// AccessToken is used as is, without refreshing, when set.
	AccessToken Secret
	TokenFile   string

	BaseURL           string
	SupportsAllDrives bool
	Upload            resumable.Config
	Concurrency       int

	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey Secret
	S3NumRetries      int

	Analytics bool
	Verbose   bool
}

// Load reads the configuration from the environment. Unset variables keep their defaults.
func Load(envRepo env.Repository, pathModifier pathutil.PathModifier) (Config, error) {
	cfg := Config{
		ClientID:          strings.TrimSpace(envRepo.Get(ClientIDKey)),
		ClientSecret:      Secret(strings.TrimSpace(envRepo.Get(ClientSecretKey))),
		RedirectURL:       valueOrDefault(envRepo.Get(RedirectURLKey), DefaultRedirectURL),
		AccessToken:       Secret(strings.TrimSpace(envRepo.Get(AccessTokenKey))),
		BaseURL:           strings.TrimSpace(envRepo.Get(BaseURLKey)),
		Upload:            resumable.DefaultConfig(),
		Concurrency:       DefaultConcurrency,
		S3Region:          strings.TrimSpace(envRepo.Get(S3RegionKey)),
		S3AccessKeyID:     strings.TrimSpace(envRepo.Get(S3AccessKeyIDKey)),
		S3SecretAccessKey: Secret(strings.TrimSpace(envRepo.Get(S3SecretAccessKeyKey))),
		S3NumRetries:      3,
	}

	tokenFile, err := pathModifier.AbsPath(valueOrDefault(envRepo.Get(TokenFileKey), DefaultTokenFile))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", TokenFileKey, err)
	}
	cfg.TokenFile = tokenFile

	if uploadURL := strings.TrimSpace(envRepo.Get(UploadURLKey)); uploadURL != "" {
		cfg.Upload.UploadURL = uploadURL
	}
	for key, rawURL := range map[string]string{BaseURLKey: cfg.BaseURL, UploadURLKey: cfg.Upload.UploadURL, RedirectURLKey: cfg.RedirectURL} {
		if rawURL == "" {
			continue
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return Config{}, fmt.Errorf("%s: invalid url: %w", key, err)
		}
	}

	var errs []error
	parseBool(envRepo, SupportsAllDrivesKey, &cfg.SupportsAllDrives, &errs)
	parseBool(envRepo, AnalyticsKey, &cfg.Analytics, &errs)
	parseBool(envRepo, VerboseKey, &cfg.Verbose, &errs)
	parseInt(envRepo, MaxRetriesKey, 0, &cfg.Upload.MaxRetries, &errs)
	parseInt(envRepo, MaxSessionRenewalsKey, 0, &cfg.Upload.MaxSessionRenewals, &errs)
	parseInt(envRepo, ConcurrencyKey, 1, &cfg.Concurrency, &errs)
	parseInt(envRepo, S3NumRetriesKey, 0, &cfg.S3NumRetries, &errs)
	parseDuration(envRepo, MinBackoffKey, &cfg.Upload.MinBackoff, &errs)
	parseDuration(envRepo, MaxBackoffKey, &cfg.Upload.MaxBackoff, &errs)
	parseDuration(envRepo, StallTimeoutKey, &cfg.Upload.StallTimeout, &errs)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if cfg.Upload.MaxBackoff < cfg.Upload.MinBackoff {
		return Config{}, fmt.Errorf("%s (%s) must not be less than %s (%s)", MaxBackoffKey, cfg.Upload.MaxBackoff, MinBackoffKey, cfg.Upload.MinBackoff)
	}

	return cfg, nil
}

// QueryParams returns the parameters added to every drive API request.
func (c Config) QueryParams() url.Values {
	params := url.Values{}
	if c.SupportsAllDrives {
		params.Set("supportsAllDrives", "true")
	}
	return params
}

// S3Params returns the region and credentials of s3:// inputs.
func (c Config) S3Params() s3source.Params {
	return s3source.Params{
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: string(c.S3SecretAccessKey),
		NumRetries:      c.S3NumRetries,
	}
}

// Print logs the configuration with secrets redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- %s: %s", ClientIDKey, c.ClientID)
	logger.Printf("- %s: %s", ClientSecretKey, c.ClientSecret)
	logger.Printf("- %s: %s", RedirectURLKey, c.RedirectURL)
	logger.Printf("- %s: %s", AccessTokenKey, c.AccessToken)
	logger.Printf("- %s: %s", TokenFileKey, c.TokenFile)
	logger.Printf("- %s: %s", BaseURLKey, c.BaseURL)
	logger.Printf("- %s: %s", UploadURLKey, c.Upload.UploadURL)
	logger.Printf("- %s: %t", SupportsAllDrivesKey, c.SupportsAllDrives)
	logger.Printf("- %s: %d", MaxRetriesKey, c.Upload.MaxRetries)
	logger.Printf("- %s: %d", MaxSessionRenewalsKey, c.Upload.MaxSessionRenewals)
	logger.Printf("- %s: %s", MinBackoffKey, c.Upload.MinBackoff)
	logger.Printf("- %s: %s", MaxBackoffKey, c.Upload.MaxBackoff)
	logger.Printf("- %s: %s", StallTimeoutKey, c.Upload.StallTimeout)
	logger.Printf("- %s: %d", ConcurrencyKey, c.Concurrency)
	logger.Printf("- %s: %s", S3RegionKey, c.S3Region)
	logger.Printf("- %s: %s", S3AccessKeyIDKey, c.S3AccessKeyID)
	logger.Printf("- %s: %s", S3SecretAccessKeyKey, c.S3SecretAccessKey)
	logger.Printf("- %s: %t", AnalyticsKey, c.Analytics)
}

func valueOrDefault(value, defaultValue string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return defaultValue
}

func parseBool(envRepo env.Repository, key string, target *bool, errs *[]error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid bool %q", key, value))
		return
	}
	*target = b
}

func parseInt(envRepo env.Repository, key string, minValue int, target *int, errs *[]error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid number %q", key, value))
		return
	}
	if i < minValue {
		*errs = append(*errs, fmt.Errorf("%s: must be at least %d, got %d", key, minValue, i))
		return
	}
	*target = i
}

func parseDuration(envRepo env.Repository, key string, target *time.Duration, errs *[]error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return
	}
	if d < 0 {
		*errs = append(*errs, fmt.Errorf("%s: must not be negative, got %s", key, d))
		return
	}
	*target = d
}
