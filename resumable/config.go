package resumable

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultUploadURL is the session initiation endpoint of the drive API.
const DefaultUploadURL = "https://www.googleapis.com/upload/drive/v3/files"

// Config holds configuration for the resumable uploader.
type Config struct {
	// UploadURL is the endpoint sessions are initiated against.
	// Updates in place are sent to UploadURL/<resource id>.
	UploadURL string

	// Fields is the field projection requested for the final resource.
	// Default: the fields decoded into RemoteResource
	Fields string

	// MaxRetries is the maximum number of consecutive transient failures tolerated per session.
	// Default: 5
	MaxRetries int

	// MaxSessionRenewals is how many times an expired session is replaced by a new one.
	// Default: 2
	MaxSessionRenewals int

	// MinBackoff is the delay after the first transient failure. It is also the lower
	// bound of every delay, including server provided Retry-After hints.
	// Default: 1 second
	MinBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	// Default: 32 seconds
	MaxBackoff time.Duration

	// Backoff computes the delay before the next probe.
	// Default: retryablehttp.DefaultBackoff (exponential, honours Retry-After)
	Backoff retryablehttp.Backoff

	// StallTimeout is the duration after which a transfer whose stream made no progress
	// is cancelled and retried. Zero disables stall detection.
	// Default: 60 seconds
	StallTimeout time.Duration

	// HTTPClient is the HTTP client to use for the session protocol.
	// If nil, a default client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		UploadURL:          DefaultUploadURL,
		Fields:             "id,name,mimeType,parents,size,md5Checksum,createdTime,modifiedTime",
		MaxRetries:         5,
		MaxSessionRenewals: 2,
		MinBackoff:         time.Second,
		MaxBackoff:         32 * time.Second,
		Backoff:            retryablehttp.DefaultBackoff,
		StallTimeout:       60 * time.Second,
		HTTPClient:         nil, // Will be created by Uploader
	}
}

func (c Config) isZero() bool {
	return c.UploadURL == "" &&
		c.Fields == "" &&
		c.MaxRetries == 0 &&
		c.MaxSessionRenewals == 0 &&
		c.MinBackoff == 0 &&
		c.MaxBackoff == 0 &&
		c.Backoff == nil &&
		c.StallTimeout == 0
}

// DefaultHTTPClient creates an HTTP client for long running upload requests.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - transfers are bounded by the file size, cancellation is handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          10,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 0,
			Proxy:                 http.ProxyFromEnvironment,
		},
		// 308 is a protocol response of the session endpoint, not a redirect.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// backoff returns the delay before the next attempt after the given number of
// consecutive transient failures. The result is never shorter than MinBackoff.
func (c Config) backoff(failures int, resp *http.Response) time.Duration {
	backoff := c.Backoff
	if backoff == nil {
		backoff = retryablehttp.DefaultBackoff
	}

	wait := backoff(c.MinBackoff, c.MaxBackoff, failures, resp)
	if wait < c.MinBackoff {
		wait = c.MinBackoff
	}
	return wait
}
