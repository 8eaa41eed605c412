package resumable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// Uploader drives resumable uploads: it negotiates a session, then alternates probing the
// confirmed offset and transmitting the rest until the upload completes, fails or is aborted.
// An Uploader can run many uploads concurrently; each upload is strictly sequential and never
// has more than one request in flight.
type Uploader struct {
	config      Config
	httpClient  *http.Client
	negotiator  *Negotiator
	prober      *Prober
	transmitter *Transmitter
	logger      log.Logger
	stats       *Stats
}

// New creates a new Uploader with the given configuration. A zero Config (apart from
// HTTPClient) is replaced by DefaultConfig; otherwise only UploadURL and the backoff bounds
// are defaulted.
func New(config Config, credentials credential.Provider, logger log.Logger) *Uploader {
	defaults := DefaultConfig()
	if config.isZero() {
		defaults.HTTPClient = config.HTTPClient
		config = defaults
	}
	if config.UploadURL == "" {
		config.UploadURL = defaults.UploadURL
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = defaults.MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	return &Uploader{
		config:      config,
		httpClient:  httpClient,
		negotiator:  NewNegotiator(httpClient, credentials, config.UploadURL, config.Fields, logger),
		prober:      NewProber(httpClient, credentials, logger),
		transmitter: NewTransmitter(httpClient, credentials, config.StallTimeout, logger),
		logger:      logger,
		stats:       NewStats(),
	}
}

// Upload runs an upload to completion. The returned error is an *Error for every failure
// of the upload itself; cancelling ctx aborts the upload with KindAborted.
func (up *Uploader) Upload(ctx context.Context, request UploadRequest, source ByteRangeSource) (*RemoteResource, error) {
	return up.Start(ctx, request, source).Wait()
}

// Start runs an upload in the background.
func (up *Uploader) Start(ctx context.Context, request UploadRequest, source ByteRangeSource) *Upload {
	ctx, cancel := context.WithCancel(ctx)
	u := &Upload{
		ID:      uuid.NewString(),
		request: request,
		source:  source,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	u.status.Store(int32(StatusNegotiating))

	go func() {
		defer close(u.done)
		defer cancel()

		start := time.Now()
		resource, err := up.run(ctx, u)
		u.finish(resource, err)
		up.stats.RecordResult(err)

		if err != nil {
			up.logger.Debugf("[%s] Upload of %s ended after %s: %s", u.ID, request.Name, time.Since(start).Round(time.Millisecond), err)
			return
		}
		up.logger.Infof("Uploaded %s (%s) in %s, id: %s",
			request.Name, units.HumanSizeWithPrecision(float64(request.TotalLength), 3),
			time.Since(start).Round(time.Second), resource.ID)
	}()

	return u
}

// Stats returns the upload statistics.
func (up *Uploader) Stats() *Stats {
	return up.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (up *Uploader) CloseIdleConnections() {
	up.httpClient.CloseIdleConnections()
}

func (up *Uploader) run(ctx context.Context, u *Upload) (*RemoteResource, error) {
	if u.source == nil {
		return nil, &Error{Kind: KindProtocol, Op: "source", Err: fmt.Errorf("%w: no content source", ErrInvalidRequest)}
	}

	renewals := 0
	for {
		u.setState(StatusNegotiating, 0)
		session, err := up.negotiator.Open(ctx, u.request)
		if err != nil {
			return nil, err
		}
		up.logger.Debugf("[%s] Session opened for %s", u.ID, u.request.Name)

		resource, err := up.upload(ctx, u, session)
		if err == nil {
			return resource, nil
		}

		kind, _ := KindOf(err)
		if kind != KindSessionExpired || renewals >= up.config.MaxSessionRenewals {
			return nil, err
		}
		renewals++
		up.stats.RecordRenewal()
		up.logger.Warnf("Upload session of %s expired, opening a new session (%d/%d)",
			u.request.Name, renewals, up.config.MaxSessionRenewals)
	}
}

// upload runs the probe/transmit loop of one session. Every transient failure is followed by a
// backoff and a new probe: the offset the server reports is authoritative, the bytes sent by the
// failed attempt are never assumed to have arrived.
func (up *Uploader) upload(ctx context.Context, u *Upload, session *Session) (*RemoteResource, error) {
	total := session.Request.TotalLength
	failures := 0
	var confirmed, failedAt int64

	for {
		if ctx.Err() != nil {
			return nil, abortedError("probe", ctx.Err())
		}

		u.setStatus(StatusProbing)
		result, err := up.prober.Probe(ctx, session)
		if err != nil {
			var transient *transientError
			if !errors.As(err, &transient) {
				return nil, err
			}
			failedAt = confirmed
			if err := up.backoff(ctx, u, &failures, transient); err != nil {
				return nil, err
			}
			continue
		}

		if result.Completed {
			u.offset.Store(total)
			return result.Resource, nil
		}
		if result.Offset < confirmed {
			return nil, &Error{
				Kind: KindProtocol,
				Op:   "probe",
				Err:  fmt.Errorf("%w: server reports %d bytes after confirming %d", ErrOffsetRegressed, result.Offset, confirmed),
			}
		}
		if failures > 0 && result.Offset > failedAt {
			failures = 0
		}
		confirmed = result.Offset
		u.offset.Store(confirmed)

		u.setStatus(StatusTransmitting)
		stream, err := u.source.Open(ctx, confirmed)
		if err != nil {
			if ctx.Err() != nil {
				return nil, abortedError("source", ctx.Err())
			}
			return nil, &Error{Kind: KindProtocol, Op: "source", Err: fmt.Errorf("open source at offset %d: %w", confirmed, err)}
		}
		if stream == nil {
			return nil, &Error{Kind: KindProtocol, Op: "source", Err: fmt.Errorf("%w: source returned no stream", ErrInvalidRequest)}
		}

		up.logger.Debugf("[%s] Transmitting %s from offset %d/%d (attempt %d/%d) [avg=%v]",
			u.ID, u.request.Name, confirmed, total, failures+1, up.config.MaxRetries+1, up.stats.Average().Round(time.Millisecond))

		start := time.Now()
		outcome := up.transmitter.Transmit(ctx, session, confirmed, stream)
		up.stats.RecordTransmit(time.Since(start), outcome.Sent)

		// An abort issued while transmitting is final, whatever the transfer's outcome.
		if ctx.Err() != nil {
			return nil, abortedError("transmit", ctx.Err())
		}

		switch outcome.Kind {
		case OutcomeCompleted:
			u.offset.Store(total)
			return outcome.Resource, nil
		case OutcomeRetryable:
			var transient *transientError
			if !errors.As(outcome.Err, &transient) {
				transient = &transientError{op: "transmit", statusCode: outcome.StatusCode, err: outcome.Err}
			}
			failedAt = confirmed
			if err := up.backoff(ctx, u, &failures, transient); err != nil {
				return nil, err
			}
		default:
			return nil, outcome.Err
		}
	}
}

// backoff waits before the next probe, or fails with KindTransientExhausted when the session
// ran out of retries.
func (up *Uploader) backoff(ctx context.Context, u *Upload, failures *int, transient *transientError) error {
	if *failures >= up.config.MaxRetries {
		return &Error{
			Kind:       KindTransientExhausted,
			Op:         transient.op,
			StatusCode: transient.statusCode,
			Err:        fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, *failures+1, transient),
		}
	}

	wait := up.config.backoff(*failures, transient.resp)
	*failures++
	up.stats.RecordRetry()
	up.logger.Warnf("Upload of %s failed (attempt %d/%d): %s, retrying after %s",
		u.request.Name, *failures, up.config.MaxRetries+1, transient, wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return abortedError("backoff", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Upload is a running upload.
type Upload struct {
	// ID identifies the upload in logs.
	ID string

	request UploadRequest
	source  ByteRangeSource
	cancel  context.CancelFunc

	offset atomic.Int64
	status atomic.Int32

	done     chan struct{}
	resource *RemoteResource
	err      error
}

// Abort cancels the upload and returns once it reached its terminal status. No bytes are
// transmitted after Abort returns. It must not be called from a ByteRangeSource.
func (u *Upload) Abort() {
	u.cancel()
	<-u.done
}

// Done is closed when the upload reached a terminal status.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until the upload ends and returns its result.
func (u *Upload) Wait() (*RemoteResource, error) {
	<-u.done
	return u.resource, u.err
}

// State returns a snapshot of the upload's progress.
func (u *Upload) State() TransferState {
	return TransferState{
		Offset: u.offset.Load(),
		Status: Status(u.status.Load()),
	}
}

func (u *Upload) setStatus(status Status) {
	u.status.Store(int32(status))
}

func (u *Upload) setState(status Status, offset int64) {
	u.offset.Store(offset)
	u.status.Store(int32(status))
}

func (u *Upload) finish(resource *RemoteResource, err error) {
	u.resource = resource
	u.err = err

	switch kind, _ := KindOf(err); {
	case err == nil:
		u.setStatus(StatusCompleted)
	case kind == KindAborted:
		u.setStatus(StatusAborted)
	default:
		u.setStatus(StatusFailed)
	}
}
