package drive

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-drive/resumable"
)

// ResumableCreate uploads the content of a new file with the resumable upload protocol.
// The first parent of file is the folder the file is created in.
func (c *Client) ResumableCreate(ctx context.Context, file File, source resumable.ByteRangeSource, size int64) (*resumable.RemoteResource, error) {
	request := resumable.UploadRequest{
		Name:        file.Name,
		MimeType:    file.MimeType,
		TotalLength: size,
		Params:      c.params,
	}
	if len(file.Parents) > 0 {
		request.ParentID = file.Parents[0]
	}

	resource, err := c.uploader.Upload(ctx, request, source)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	return resource, nil
}

// ResumableUpdate replaces the content of an existing file.
func (c *Client) ResumableUpdate(ctx context.Context, id, mimeType string, source resumable.ByteRangeSource, size int64) (*resumable.RemoteResource, error) {
	resource, err := c.uploader.Upload(ctx, resumable.UploadRequest{
		MimeType:           mimeType,
		TotalLength:        size,
		ExistingResourceID: id,
		Params:             c.params,
	}, source)
	if err != nil {
		return nil, fmt.Errorf("update content of %s: %w", id, err)
	}
	return resource, nil
}

// UploadStats returns the statistics of the uploads made through the client.
func (c *Client) UploadStats() *resumable.Stats {
	return c.uploader.Stats()
}
