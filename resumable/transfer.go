package resumable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

var errStreamReleased = errors.New("stream released")

// OutcomeKind is the terminal result of a transfer.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
	OutcomeAborted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome describes how a transfer ended.
type Outcome struct {
	Kind OutcomeKind
	// Resource is set for OutcomeCompleted.
	Resource *RemoteResource
	// Err is set for every other kind.
	Err error
	// StatusCode is the status of the terminal response, 0 if none arrived.
	StatusCode int
	// Sent is the number of bytes consumed from the stream.
	Sent int64
}

// trackedStream wraps the source stream of one transfer. It counts consumed bytes and
// guarantees that the underlying stream is closed exactly once, whoever stops consuming it first.
type trackedStream struct {
	rc       io.ReadCloser
	sent     atomic.Int64
	lastRead atomic.Int64
	released atomic.Bool

	once     sync.Once
	closeErr error
}

func newTrackedStream(rc io.ReadCloser) *trackedStream {
	s := &trackedStream{rc: rc}
	s.lastRead.Store(time.Now().UnixNano())
	return s
}

func (s *trackedStream) Read(p []byte) (int, error) {
	if s.released.Load() {
		return 0, errStreamReleased
	}
	n, err := s.rc.Read(p)
	if n > 0 {
		s.sent.Add(int64(n))
		s.lastRead.Store(time.Now().UnixNano())
	}
	return n, err
}

// Close is called by the HTTP transport once it stops sending the body.
func (s *trackedStream) Close() error {
	return s.release()
}

func (s *trackedStream) release() error {
	s.once.Do(func() {
		s.released.Store(true)
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}

func (s *trackedStream) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastRead.Load()))
}

// Transfer is a single in-flight transmit request: the stream [offset, total) piped into one PUT
// to the session endpoint. It is started once, can be cancelled at any time, and signals
// completion by closing Done.
type Transfer struct {
	httpClient *http.Client
	req        *http.Request
	stream     *trackedStream
	remaining  int64
	logger     log.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	startOnce sync.Once
	done      chan struct{}
	outcome   Outcome
}

// NewTransfer prepares the transfer of stream, which must start at offset. The transfer owns
// the stream from now on, including when an error is returned.
func NewTransfer(ctx context.Context, httpClient *http.Client, session *Session, offset int64, stream io.ReadCloser, authorization string, logger log.Logger) (*Transfer, error) {
	tracked := newTrackedStream(stream)
	total := session.Request.TotalLength
	if offset < 0 || offset > total {
		_ = tracked.release()
		return nil, fmt.Errorf("offset %d out of range [0, %d]", offset, total)
	}

	transferCtx, cancel := context.WithCancelCause(ctx)

	remaining := total - offset
	var body io.ReadCloser = tracked
	if remaining == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(transferCtx, http.MethodPut, session.EndpointURI, body)
	if err != nil {
		cancel(err)
		_ = tracked.release()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = remaining
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", session.Request.contentType())
	req.Header.Set("Content-Range", transmitContentRange(offset, total))

	return &Transfer{
		httpClient: httpClient,
		req:        req,
		stream:     tracked,
		remaining:  remaining,
		logger:     logger,
		ctx:        transferCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// Start sends the request in the background. Calling it more than once has no effect.
// The stream is released as soon as the transfer is cancelled, which unblocks a pending Read.
func (t *Transfer) Start() {
	t.startOnce.Do(func() {
		context.AfterFunc(t.ctx, t.release)
		go t.run()
	})
}

// Cancel aborts the transfer: the connection is closed and the stream released.
func (t *Transfer) Cancel() {
	t.cancel(ErrAborted)
}

// Done is closed when the transfer reached its outcome and the stream was released.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Outcome returns the result of the transfer. Only valid after Done is closed.
func (t *Transfer) Outcome() Outcome {
	return t.outcome
}

// Sent returns the number of bytes consumed from the stream so far.
func (t *Transfer) Sent() int64 {
	return t.stream.sent.Load()
}

// watchStalls cancels the transfer as stalled when the stream made no progress for timeout.
// Waiting for the response after the last byte was sent is not a stall.
func (t *Transfer) watchStalls(timeout time.Duration) {
	interval := timeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval <= 0 {
		interval = timeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if t.Sent() >= t.remaining {
				continue
			}
			if idle := t.stream.idleFor(); idle > timeout {
				t.logger.Warnf("Found stalled transfer (%d/%d bytes sent); canceling request after %s without progress",
					t.Sent(), t.remaining, idle.Round(time.Millisecond))
				t.cancel(errStalled)
				return
			}
		}
	}
}

func (t *Transfer) run() {
	defer close(t.done)
	defer t.cancel(context.Canceled)

	resp, err := t.httpClient.Do(t.req)
	if err != nil {
		t.release()
		t.outcome = t.failure(err, nil)
		return
	}

	body, readErr := readResponseBody(resp)
	closeBody(resp.Body, t.logger)
	t.release()

	if readErr != nil {
		t.outcome = t.failure(fmt.Errorf("read response: %w", readErr), resp)
		return
	}

	t.outcome = classifyTransmitResponse(resp, body)
	t.outcome.Sent = t.Sent()
}

func (t *Transfer) release() {
	if err := t.stream.release(); err != nil {
		t.logger.Debugf("Failed to close source stream: %s", err)
	}
}

// failure classifies a transfer that ended without a complete response.
func (t *Transfer) failure(err error, resp *http.Response) Outcome {
	sent := t.Sent()
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}

	cause := context.Cause(t.ctx)
	switch {
	case errors.Is(cause, errStalled):
		return Outcome{
			Kind:       OutcomeRetryable,
			StatusCode: statusCode,
			Sent:       sent,
			Err:        &transientError{op: "transmit", statusCode: statusCode, err: fmt.Errorf("%w after %d bytes: %w", errStalled, sent, err)},
		}
	case t.ctx.Err() != nil:
		return Outcome{
			Kind:       OutcomeAborted,
			StatusCode: statusCode,
			Sent:       sent,
			Err:        abortedError("transmit", t.ctx.Err()),
		}
	default:
		return Outcome{
			Kind:       OutcomeRetryable,
			StatusCode: statusCode,
			Sent:       sent,
			Err:        &transientError{op: "transmit", statusCode: statusCode, resp: resp, err: err},
		}
	}
}

func classifyTransmitResponse(resp *http.Response, body []byte) Outcome {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		resource, err := parseRemoteResource(body)
		if err != nil {
			return Outcome{Kind: OutcomeFatal, StatusCode: resp.StatusCode, Err: &Error{Kind: KindProtocol, Op: "transmit", StatusCode: resp.StatusCode, Err: err}}
		}
		return Outcome{Kind: OutcomeCompleted, StatusCode: resp.StatusCode, Resource: resource}
	case resp.StatusCode == http.StatusForbidden:
		return Outcome{
			Kind:       OutcomeRetryable,
			StatusCode: resp.StatusCode,
			Err:        &transientError{op: "transmit", statusCode: resp.StatusCode, resp: resp, err: fmt.Errorf("rate limit exceeded: %s", responseMessage(resp, body))},
		}
	case resp.StatusCode == http.StatusNotFound:
		return Outcome{Kind: OutcomeFatal, StatusCode: resp.StatusCode, Err: statusError("transmit", KindSessionExpired, ErrSessionExpired, resp, body)}
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return Outcome{
			Kind:       OutcomeRetryable,
			StatusCode: resp.StatusCode,
			Err:        &transientError{op: "transmit", statusCode: resp.StatusCode, resp: resp, err: fmt.Errorf("server error: %s", responseMessage(resp, body))},
		}
	default:
		return Outcome{Kind: OutcomeFatal, StatusCode: resp.StatusCode, Err: statusError("transmit", KindProtocol, ErrUnexpectedStatus, resp, body)}
	}
}
