// Package drive is a client of the drive v3 REST API: file metadata operations,
// folder listings, downloads and resumable uploads.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-drive/resumable"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultBaseURL is the metadata endpoint of the drive API.
const DefaultBaseURL = "https://www.googleapis.com/drive/v3"

// ErrNotFound is matched by errors of requests for files that don't exist.
var ErrNotFound = errors.New("file not found")

// APIError is a non-successful response of the drive API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Is makes 404 responses match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ClientParams ...
type ClientParams struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Credentials provides the token of every request.
	Credentials credential.Provider
	// Params are added to every request, for example supportsAllDrives=true.
	Params url.Values
	// Upload configures resumable uploads.
	Upload resumable.Config
}

// Client ...
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	credentials credential.Provider
	params      url.Values
	uploader    *resumable.Uploader
	logger      log.Logger
}

// NewClient creates a Client. Metadata requests are retried on network errors and 5xx responses,
// uploads use the resumable upload protocol.
func NewClient(params ClientParams, logger log.Logger) *Client {
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := retryhttp.NewClient(logger)
	httpClient.CheckRetry = createCustomRetryFunction(logger)

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		credentials: params.Credentials,
		params:      params.Params,
		uploader:    resumable.New(params.Upload, params.Credentials, logger),
		logger:      logger,
	}
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// Get returns the metadata of a file.
func (c *Client) Get(ctx context.Context, id string) (*File, error) {
	var file File
	if err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(id), nil, nil, &file); err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	return &file, nil
}

// Create creates a file without content, typically a folder.
func (c *Client) Create(ctx context.Context, file File) (*File, error) {
	var created File
	if err := c.do(ctx, http.MethodPost, "/files", nil, newCreateMetadata(file), &created); err != nil {
		return nil, fmt.Errorf("create file %s: %w", file.Name, err)
	}
	return &created, nil
}

// CreateFolder creates a folder in parentID, or in the root folder if parentID is empty.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (*File, error) {
	folder := File{Name: name, MimeType: FolderMimeType}
	if parentID != "" {
		folder.Parents = []string{parentID}
	}
	return c.Create(ctx, folder)
}

// Update changes the metadata of a file.
func (c *Client) Update(ctx context.Context, id string, update FileUpdate) (*File, error) {
	query := url.Values{}
	if len(update.AddParents) > 0 {
		query.Set("addParents", strings.Join(update.AddParents, ","))
	}
	if len(update.RemoveParents) > 0 {
		query.Set("removeParents", strings.Join(update.RemoveParents, ","))
	}

	var updated File
	if err := c.do(ctx, http.MethodPatch, "/files/"+url.PathEscape(id), query, update, &updated); err != nil {
		return nil, fmt.Errorf("update file %s: %w", id, err)
	}
	return &updated, nil
}

// Delete permanently deletes a file, skipping the trash.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/files/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

// Trash moves a file to the trash.
func (c *Client) Trash(ctx context.Context, id string) (*File, error) {
	trashed := true
	return c.Update(ctx, id, FileUpdate{Trashed: &trashed})
}

// Untrash restores a file from the trash.
func (c *Client) Untrash(ctx context.Context, id string) (*File, error) {
	trashed := false
	return c.Update(ctx, id, FileUpdate{Trashed: &trashed})
}

// Star ...
func (c *Client) Star(ctx context.Context, id string) (*File, error) {
	starred := true
	return c.Update(ctx, id, FileUpdate{Starred: &starred})
}

// Unstar ...
func (c *Client) Unstar(ctx context.Context, id string) (*File, error) {
	starred := false
	return c.Update(ctx, id, FileUpdate{Starred: &starred})
}

// Copy copies a file. Metadata set in file overrides the metadata of the copy.
func (c *Client) Copy(ctx context.Context, id string, file File) (*File, error) {
	var copied File
	if err := c.do(ctx, http.MethodPost, "/files/"+url.PathEscape(id)+"/copy", nil, newCreateMetadata(file), &copied); err != nil {
		return nil, fmt.Errorf("copy file %s: %w", id, err)
	}
	return &copied, nil
}

// List returns one page of the files matching query. The query is passed to the API as is.
func (c *Client) List(ctx context.Context, query, pageToken string) (*FileList, error) {
	params := url.Values{}
	params.Set("fields", fmt.Sprintf("nextPageToken,files(%s)", DefaultFields))
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var list FileList
	if err := c.do(ctx, http.MethodGet, "/files", params, nil, &list); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return &list, nil
}

// ListAll returns every file matching query, following the page tokens.
func (c *Client) ListAll(ctx context.Context, query string) ([]File, error) {
	var files []File
	pageToken := ""
	for {
		list, err := c.List(ctx, query, pageToken)
		if err != nil {
			return nil, err
		}
		files = append(files, list.Files...)

		if list.NextPageToken == "" {
			return files, nil
		}
		pageToken = list.NextPageToken
		c.logger.Debugf("Fetching next page of %d files so far", len(files))
	}
}

// Children returns the files and folders in a folder, trashed ones excluded.
func (c *Client) Children(ctx context.Context, folderID string) ([]File, error) {
	return c.ListAll(ctx, childrenQuery(folderID))
}

// ChildFiles returns the files in a folder, without its subfolders.
func (c *Client) ChildFiles(ctx context.Context, folderID string) ([]File, error) {
	return c.ListAll(ctx, childrenQuery(folderID)+fmt.Sprintf(" and mimeType != '%s'", FolderMimeType))
}

// ChildFolders returns the subfolders of a folder.
func (c *Client) ChildFolders(ctx context.Context, folderID string) ([]File, error) {
	return c.ListAll(ctx, childrenQuery(folderID)+fmt.Sprintf(" and mimeType = '%s'", FolderMimeType))
}

// Parents returns the folders that contain a file.
func (c *Client) Parents(ctx context.Context, id string) ([]File, error) {
	file, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	parents := make([]File, 0, len(file.Parents))
	for _, parentID := range file.Parents {
		parent, err := c.Get(ctx, parentID)
		if err != nil {
			return nil, err
		}
		parents = append(parents, *parent)
	}
	return parents, nil
}

func childrenQuery(folderID string) string {
	return fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))
}

func escapeQuery(value string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
}

func (c *Client) endpoint(path string, query url.Values) string {
	params := url.Values{}
	for key, values := range c.params {
		params[key] = append([]string(nil), values...)
	}
	for key, values := range query {
		params[key] = values
	}
	if params.Get("fields") == "" && path != "" {
		params.Set("fields", DefaultFields)
	}

	return fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
}

// do sends a metadata request. A 401 response invalidates a refreshable token and the request
// is sent once more with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = data
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, c.endpoint(path, query), body)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			if invalidator, ok := c.credentials.(interface{ Invalidate() }); ok {
				c.closeBody(resp.Body)
				c.logger.Debugf("Access token rejected, refreshing it")
				invalidator.Invalidate()
				continue
			}
		}

		return c.decode(resp, out)
	}
}

func (c *Client) send(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	token, err := c.credentials.CheckToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("check token: %w", err)
	}

	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token.HeaderValue())
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}

	return c.httpClient.Do(req)
}

func (c *Client) decode(resp *http.Response, out interface{}) error {
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) closeBody(body io.Closer) {
	if err := body.Close(); err != nil {
		c.logger.Debugf("Failed to close response body: %s", err)
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(errorResp))}
}
