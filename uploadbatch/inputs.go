package uploadbatch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	fileScheme = "file://"
	s3Scheme   = "s3://"
)

type itemKind int

const (
	localItem itemKind = iota
	remoteItem
	s3Item
)

// item is one file of the batch, resolved from an input.
type item struct {
	input string
	kind  itemKind
	name  string
	// path is the absolute local path of localItem, the URL of remoteItem.
	path   string
	bucket string
	key    string
	err    error
}

// evaluatePaths expands the inputs into the files of the batch. Inputs that can't be resolved
// become items with an error, so they are reported among the results.
func (u *Uploader) evaluatePaths(paths []string) []item {
	var items []item
	for _, input := range paths {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch {
		case strings.HasPrefix(input, s3Scheme):
			items = append(items, parseS3Input(input))
		case strings.HasPrefix(input, "http://"), strings.HasPrefix(input, "https://"):
			items = append(items, parseRemoteInput(input))
		case strings.HasPrefix(input, fileScheme):
			items = append(items, u.localFile(input, strings.TrimPrefix(input, fileScheme)))
		case strings.Contains(input, "*"):
			items = append(items, u.expandPattern(input)...)
		default:
			items = append(items, u.localFile(input, input))
		}
	}
	return items
}

func (u *Uploader) localFile(input, pth string) item {
	absPath, err := u.pathModifier.AbsPath(pth) // resolves ~/ and expands any envs
	if err != nil {
		return item{input: input, err: fmt.Errorf("parse path: %w", err)}
	}

	exists, err := u.pathChecker.IsPathExists(absPath)
	if err != nil {
		return item{input: input, err: fmt.Errorf("check path: %w", err)}
	}
	if !exists {
		return item{input: input, err: fmt.Errorf("path doesn't exist: %s", absPath)}
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return item{input: input, err: err}
	}
	if info.IsDir() {
		return item{input: input, err: fmt.Errorf("%s is a directory, use a pattern like %s to upload its files", absPath, filepath.Join(pth, "*"))}
	}

	return item{input: input, kind: localItem, name: filepath.Base(absPath), path: absPath}
}

func (u *Uploader) expandPattern(pattern string) []item {
	base, glob := doublestar.SplitPattern(pattern)
	absBase, err := u.pathModifier.AbsPath(base)
	if err != nil {
		return []item{{input: pattern, err: fmt.Errorf("parse path: %w", err)}}
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), glob, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
	if err != nil {
		return []item{{input: pattern, err: fmt.Errorf("invalid pattern: %w", err)}}
	}
	if len(matches) == 0 {
		u.logger.Warnf("No match for path pattern: %s", pattern)
		return nil
	}

	items := make([]item, 0, len(matches))
	for _, match := range matches {
		absPath := filepath.Join(absBase, match)
		items = append(items, item{input: pattern, kind: localItem, name: filepath.Base(absPath), path: absPath})
	}
	return items
}

func parseRemoteInput(input string) item {
	parsedURL, err := url.Parse(input)
	if err != nil {
		return item{input: input, err: fmt.Errorf("parse url: %w", err)}
	}

	name := path.Base(parsedURL.Path)
	if name == "/" || name == "." {
		return item{input: input, err: fmt.Errorf("url has no file name: %s", input)}
	}
	return item{input: input, kind: remoteItem, name: name, path: input}
}

func parseS3Input(input string) item {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(input, s3Scheme), "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return item{input: input, err: fmt.Errorf("invalid s3 object url, expected s3://bucket/key: %s", input)}
	}
	return item{input: input, kind: s3Item, name: path.Base(key), bucket: bucket, key: key}
}

// downloadFileToLocalPath downloads a remote file into dir and returns the local path of the downloaded file.
func (u *Uploader) downloadFileToLocalPath(ctx context.Context, dir string, it item) (string, error) {
	localPath := filepath.Join(dir, it.name)
	if err := u.downloader.Download(ctx, localPath, it.path); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", it.path, err)
	}
	return localPath, nil
}
