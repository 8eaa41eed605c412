package resumable

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
)

var (
	// ErrAborted is returned when the caller cancelled the upload.
	ErrAborted = errors.New("upload aborted")
	// ErrSessionExpired is returned when the session endpoint no longer exists.
	ErrSessionExpired = errors.New("upload session expired")
	// ErrSessionInitiationFailed is returned when no session could be opened.
	ErrSessionInitiationFailed = errors.New("session initiation failed")
	// ErrUnexpectedStatus is returned for status codes the protocol doesn't define.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrRetriesExhausted is returned when transient failures kept happening.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrInvalidRequest is returned for upload requests that can't be sent.
	ErrInvalidRequest = errors.New("invalid upload request")
	// ErrOffsetRegressed is returned when the server reports fewer bytes than it confirmed before.
	ErrOffsetRegressed = errors.New("confirmed offset regressed")

	errStalled = errors.New("transfer stalled")
)

// Kind classifies upload failures.
type Kind int

const (
	// KindProtocol covers fatal failures: malformed responses, unexpected status codes,
	// failed negotiation and unusable sources.
	KindProtocol Kind = iota
	// KindTransientExhausted means every retry of a transient failure failed.
	KindTransientExhausted
	// KindSessionExpired means the session expired more often than the renewal limit allows.
	KindSessionExpired
	// KindAborted means the caller cancelled the upload.
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "fatal protocol error"
	case KindTransientExhausted:
		return "transient failures exhausted"
	case KindSessionExpired:
		return "session expired"
	case KindAborted:
		return "aborted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error returned by the Uploader.
type Error struct {
	Kind Kind
	// Op is the protocol step that failed: negotiate, probe, transmit or source.
	Op string
	// StatusCode is the HTTP status of the failing response, 0 if there was none.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an error returned by the Uploader.
func KindOf(err error) (Kind, bool) {
	var uploadErr *Error
	if errors.As(err, &uploadErr) {
		return uploadErr.Kind, true
	}
	return 0, false
}

// transientError is a failure the uploader recovers from by backing off and probing again.
type transientError struct {
	op         string
	statusCode int
	// resp carries the status and headers of the failing response (body already consumed),
	// used as a hint when computing the backoff.
	resp *http.Response
	err  error
}

func (e *transientError) Error() string {
	if e.statusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.op, e.statusCode, e.err)
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *transientError) Unwrap() error {
	return e.err
}

func abortedError(op string, cause error) *Error {
	return &Error{Kind: KindAborted, Op: op, Err: fmt.Errorf("%w: %w", ErrAborted, cause)}
}

func statusError(op string, kind Kind, sentinel error, resp *http.Response, body []byte) *Error {
	return &Error{
		Kind:       kind,
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%w: %s", sentinel, responseMessage(resp, body)),
	}
}

func responseMessage(resp *http.Response, body []byte) string {
	if len(body) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}

const (
	maxErrorBody    = 1024
	maxResponseBody = 1 << 20
)

func readResponseBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
}

func closeBody(body io.Closer, logger log.Logger) {
	if err := body.Close(); err != nil {
		logger.Debugf("Failed to close response body: %s", err)
	}
}
