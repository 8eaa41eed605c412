package resumable

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Transmitter streams the remaining bytes of an upload to its session endpoint.
type Transmitter struct {
	httpClient   *http.Client
	credentials  credential.Provider
	stallTimeout time.Duration
	logger       log.Logger
}

// NewTransmitter ...
func NewTransmitter(httpClient *http.Client, credentials credential.Provider, stallTimeout time.Duration, logger log.Logger) *Transmitter {
	return &Transmitter{
		httpClient:   httpClient,
		credentials:  credentials,
		stallTimeout: stallTimeout,
		logger:       logger,
	}
}

// Transmit sends stream, which must start at offset, as the range [offset, total) of the session
// and blocks until the transfer reached its outcome. The stream is closed before Transmit returns.
func (t *Transmitter) Transmit(ctx context.Context, session *Session, offset int64, stream io.ReadCloser) Outcome {
	token, err := t.credentials.CheckToken(ctx)
	if err != nil {
		if closeErr := stream.Close(); closeErr != nil {
			t.logger.Debugf("Failed to close source stream: %s", closeErr)
		}
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeAborted, Err: abortedError("transmit", ctx.Err())}
		}
		return Outcome{Kind: OutcomeFatal, Err: &Error{Kind: KindProtocol, Op: "transmit", Err: fmt.Errorf("check token: %w", err)}}
	}

	transfer, err := NewTransfer(ctx, t.httpClient, session, offset, stream, token.HeaderValue(), t.logger)
	if err != nil {
		return Outcome{Kind: OutcomeFatal, Err: &Error{Kind: KindProtocol, Op: "transmit", Err: err}}
	}

	total := session.Request.TotalLength
	if offset < total {
		t.logger.Debugf("Transmitting bytes %d-%d/%d", offset, total-1, total)
	} else {
		t.logger.Debugf("Finalizing upload of %d bytes", total)
	}

	transfer.Start()
	if t.stallTimeout > 0 {
		go transfer.watchStalls(t.stallTimeout)
	}

	<-transfer.Done()
	return transfer.Outcome()
}
