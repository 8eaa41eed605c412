package resumable

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-utils/v2/log"
)

// statusResumeIncomplete is sent by the session endpoint while bytes are still missing.
const statusResumeIncomplete = 308

// ProbeResult is the server's view of a session.
type ProbeResult struct {
	// Offset is the number of bytes durably received.
	Offset int64
	// Completed is set when the upload already finished, Resource holds the final resource then.
	Completed bool
	Resource  *RemoteResource
}

// Prober asks a session endpoint for the last byte it durably received, without sending payload.
type Prober struct {
	httpClient  *http.Client
	credentials credential.Provider
	logger      log.Logger
}

// NewProber ...
func NewProber(httpClient *http.Client, credentials credential.Provider, logger log.Logger) *Prober {
	return &Prober{
		httpClient:  httpClient,
		credentials: credentials,
		logger:      logger,
	}
}

// Probe returns the confirmed offset of the session, or the final resource if the upload is complete.
// Network failures are returned as transient errors; 404 means the session expired.
func (p *Prober) Probe(ctx context.Context, session *Session) (ProbeResult, error) {
	token, err := p.credentials.CheckToken(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ProbeResult{}, abortedError("probe", ctx.Err())
		}
		return ProbeResult{}, &Error{Kind: KindProtocol, Op: "probe", Err: fmt.Errorf("check token: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.EndpointURI, http.NoBody)
	if err != nil {
		return ProbeResult{}, &Error{Kind: KindProtocol, Op: "probe", Err: fmt.Errorf("create request: %w", err)}
	}
	req.ContentLength = 0
	req.Header.Set("Authorization", token.HeaderValue())
	req.Header.Set("Content-Range", probeContentRange(session.Request.TotalLength))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ProbeResult{}, abortedError("probe", ctx.Err())
		}
		return ProbeResult{}, &transientError{op: "probe", err: err}
	}
	defer closeBody(resp.Body, p.logger)

	body, readErr := readResponseBody(resp)
	if readErr != nil {
		if ctx.Err() != nil {
			return ProbeResult{}, abortedError("probe", ctx.Err())
		}
		return ProbeResult{}, &transientError{op: "probe", statusCode: resp.StatusCode, resp: resp, err: fmt.Errorf("read response: %w", readErr)}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		resource, err := parseRemoteResource(body)
		if err != nil {
			return ProbeResult{}, &Error{Kind: KindProtocol, Op: "probe", StatusCode: resp.StatusCode, Err: err}
		}
		p.logger.Debugf("Probe: upload already completed")
		return ProbeResult{Offset: session.Request.TotalLength, Completed: true, Resource: resource}, nil
	case resp.StatusCode == statusResumeIncomplete:
		offset, err := parseRangeOffset(resp.Header.Get("Range"))
		if err != nil {
			return ProbeResult{}, &Error{Kind: KindProtocol, Op: "probe", StatusCode: resp.StatusCode, Err: err}
		}
		if offset > session.Request.TotalLength {
			return ProbeResult{}, &Error{
				Kind:       KindProtocol,
				Op:         "probe",
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("server confirmed %d bytes of a %d byte upload", offset, session.Request.TotalLength),
			}
		}
		p.logger.Debugf("Probe: %d/%d bytes confirmed", offset, session.Request.TotalLength)
		return ProbeResult{Offset: offset}, nil
	case resp.StatusCode == http.StatusNotFound:
		return ProbeResult{}, statusError("probe", KindSessionExpired, ErrSessionExpired, resp, body)
	default:
		return ProbeResult{}, statusError("probe", KindProtocol, ErrUnexpectedStatus, resp, body)
	}
}
