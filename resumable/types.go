// Package resumable implements the resumable upload protocol of the drive API.
// A session is negotiated once, then the uploader repeatedly asks the session
// endpoint for the durably accepted offset and streams the remaining bytes,
// re-probing after every transient failure.
package resumable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"
)

// DefaultMimeType is declared for uploads that don't specify a content type.
const DefaultMimeType = "application/octet-stream"

// UploadRequest describes the file to upload. It is created by the caller and consumed by one upload.
type UploadRequest struct {
	Name     string
	MimeType string
	// TotalLength is the exact number of bytes the ByteRangeSource will produce.
	TotalLength int64
	// ParentID is the folder the file is created in. Optional.
	ParentID string
	// ExistingResourceID switches the upload from create to update-in-place.
	ExistingResourceID string
	// Params are passed through as query parameters of the session initiation request
	// (for example supportsTeamDrives or keepRevisionForever).
	Params url.Values
}

func (r UploadRequest) validate() error {
	if r.TotalLength < 0 {
		return fmt.Errorf("%w: total length must not be negative, got %d", ErrInvalidRequest, r.TotalLength)
	}
	if r.Name == "" && r.ExistingResourceID == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidRequest)
	}
	return nil
}

func (r UploadRequest) contentType() string {
	if r.MimeType == "" {
		return DefaultMimeType
	}
	return r.MimeType
}

// Session is an upload session opened by the Negotiator.
// The endpoint is valid for a bounded time window only.
type Session struct {
	EndpointURI string
	Request     UploadRequest
	CreatedAt   time.Time
}

// Status is the state of an upload.
type Status int32

const (
	StatusNegotiating Status = iota
	StatusProbing
	StatusTransmitting
	StatusCompleted
	StatusFailed
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusNegotiating:
		return "negotiating"
	case StatusProbing:
		return "probing"
	case StatusTransmitting:
		return "transmitting"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// TransferState is a snapshot of an upload's progress.
// Offset is the number of bytes the server confirmed as durably received in the current session.
type TransferState struct {
	Offset int64
	Status Status
}

// RemoteResource is the server's representation of the uploaded file.
type RemoteResource struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Parents      []string  `json:"parents,omitempty"`
	Size         int64     `json:"size,string,omitempty"`
	MD5Checksum  string    `json:"md5Checksum,omitempty"`
	CreatedTime  time.Time `json:"createdTime"`
	ModifiedTime time.Time `json:"modifiedTime"`

	// Raw is the complete response body, for callers that need fields not decoded above.
	Raw json.RawMessage `json:"-"`
}

func parseRemoteResource(body []byte) (*RemoteResource, error) {
	var resource RemoteResource
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	resource.Raw = append(json.RawMessage(nil), body...)
	return &resource, nil
}

// ByteRangeSource provides the content of the uploaded file.
// Open may be called several times during one upload, with different offsets;
// every call must return a fresh stream starting at offset. The uploader closes
// each returned stream exactly once.
type ByteRangeSource interface {
	Open(ctx context.Context, offset int64) (io.ReadCloser, error)
}
