package resumable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-utils/v2/log"
)

type sessionMetadata struct {
	Name     string   `json:"name,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Parents  []string `json:"parents,omitempty"`
}

// Negotiator opens upload sessions. It never retries, retry policy belongs to the Uploader.
type Negotiator struct {
	httpClient  *http.Client
	credentials credential.Provider
	uploadURL   string
	fields      string
	logger      log.Logger
}

// NewNegotiator ...
func NewNegotiator(httpClient *http.Client, credentials credential.Provider, uploadURL, fields string, logger log.Logger) *Negotiator {
	return &Negotiator{
		httpClient:  httpClient,
		credentials: credentials,
		uploadURL:   uploadURL,
		fields:      fields,
		logger:      logger,
	}
}

// Open initiates a session for the request. Creates are sent as POST to the upload URL,
// updates in place as PATCH to the resource under it.
func (n *Negotiator) Open(ctx context.Context, request UploadRequest) (*Session, error) {
	if err := request.validate(); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "negotiate", Err: err}
	}

	token, err := n.credentials.CheckToken(ctx)
	if err != nil {
		return nil, n.failure(ctx, fmt.Errorf("check token: %w", err))
	}

	method, endpoint, err := n.endpoint(request)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "negotiate", Err: fmt.Errorf("%w: %s", ErrSessionInitiationFailed, err)}
	}

	metadata := sessionMetadata{Name: request.Name, MimeType: request.MimeType}
	if request.ParentID != "" && request.ExistingResourceID == "" {
		metadata.Parents = []string{request.ParentID}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "negotiate", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "negotiate", Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", token.HeaderValue())
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", request.contentType())
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(request.TotalLength, 10))

	n.logger.Debugf("Initiating upload session: %s %s", method, endpoint)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, n.failure(ctx, fmt.Errorf("do request: %w", err))
	}
	defer closeBody(resp.Body, n.logger)

	respBody, err := readResponseBody(resp)
	if err != nil {
		n.logger.Debugf("Failed to read session initiation response (%d bytes read): %s", len(respBody), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("negotiate", KindProtocol, ErrSessionInitiationFailed, resp, respBody)
	}

	location, err := resp.Location()
	if err != nil {
		return nil, &Error{
			Kind:       KindProtocol,
			Op:         "negotiate",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: no session location in response: %s", ErrSessionInitiationFailed, err),
		}
	}

	n.logger.Debugf("Upload session opened")

	return &Session{
		EndpointURI: location.String(),
		Request:     request,
		CreatedAt:   time.Now(),
	}, nil
}

func (n *Negotiator) endpoint(request UploadRequest) (string, string, error) {
	method := http.MethodPost
	rawURL := n.uploadURL
	if request.ExistingResourceID != "" {
		method = http.MethodPatch
		rawURL = strings.TrimSuffix(rawURL, "/") + "/" + url.PathEscape(request.ExistingResourceID)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse upload URL: %w", err)
	}

	query := u.Query()
	for key, values := range request.Params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	query.Set("uploadType", "resumable")
	if n.fields != "" && query.Get("fields") == "" {
		query.Set("fields", n.fields)
	}
	// Parents of an existing resource can't be set in the body of an update.
	if request.ExistingResourceID != "" && request.ParentID != "" {
		query.Set("addParents", request.ParentID)
	}
	u.RawQuery = query.Encode()

	return method, u.String(), nil
}

// failure maps errors without a response: cancellation is an abort, anything else
// means no session could be opened.
func (n *Negotiator) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return abortedError("negotiate", ctx.Err())
	}
	return &Error{Kind: KindProtocol, Op: "negotiate", Err: fmt.Errorf("%w: %w", ErrSessionInitiationFailed, err)}
}
