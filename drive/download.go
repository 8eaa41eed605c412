package drive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/melbahja/got"
)

// Download saves the content of a file to dest. Large files are downloaded in parallel ranges.
func (c *Client) Download(ctx context.Context, id, dest string) error {
	token, err := c.credentials.CheckToken(ctx)
	if err != nil {
		return fmt.Errorf("check token: %w", err)
	}

	query := url.Values{}
	query.Set("alt", "media")
	rawURL := c.endpoint("/files/"+url.PathEscape(id), query)

	c.logger.Debugf("Downloading file %s to %s", id, dest)
	if err := downloadFile(ctx, c.httpClient.StandardClient(), rawURL, dest, token.HeaderValue()); err != nil {
		return fmt.Errorf("download file %s: %w", id, err)
	}
	return nil
}

func downloadFile(ctx context.Context, client *http.Client, rawURL, dest, authorization string) error {
	downloader := got.New()
	downloader.Client = client

	download := got.NewDownload(ctx, rawURL, dest)
	download.Client = client
	download.Header = []got.GotHeader{{Key: "Authorization", Value: authorization}}

	return downloader.Do(download)
}
