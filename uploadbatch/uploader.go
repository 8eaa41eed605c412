// Package uploadbatch uploads many files to a drive folder concurrently, each with its own
// resumable upload. Inputs are local paths, glob patterns, file://, http(s):// or s3:// URLs.
package uploadbatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-drive/compression"
	"github.com/bitrise-io/go-drive/drive"
	"github.com/bitrise-io/go-drive/resumable"
	"github.com/bitrise-io/go-drive/s3source"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of parallel uploads when Input.Concurrency is not set.
const DefaultConcurrency = 4

const compressedMimeType = "application/zstd"

// Input ...
type Input struct {
	// BatchID identifies the batch in logs and analytics events. Generated when empty.
	BatchID string
	// Paths are local paths, glob patterns (doublestar syntax), file://, http(s):// or s3://bucket/key inputs.
	Paths []string
	// ParentID is the folder the files are created in. Optional.
	ParentID string
	// Compress uploads local and downloaded files zstd compressed, with a .zst extension.
	Compress bool
	// Concurrency is the number of parallel uploads.
	Concurrency int
}

// Result is the outcome of uploading one file.
type Result struct {
	Input      string
	Name       string
	Size       int64
	SourceKind string
	Compressed bool
	Resource   *resumable.RemoteResource
	Duration   time.Duration
	Err        error
}

// DriveUploader creates files with resumable uploads, implemented by drive.Client.
type DriveUploader interface {
	ResumableCreate(ctx context.Context, file drive.File, source resumable.ByteRangeSource, size int64) (*resumable.RemoteResource, error)
}

// FileCompressor ...
type FileCompressor interface {
	CompressFile(src, dst string) error
}

// Params ...
type Params struct {
	Drive        DriveUploader
	EnvRepo      env.Repository
	Logger       log.Logger
	PathProvider pathutil.PathProvider
	PathModifier pathutil.PathModifier
	PathChecker  pathutil.PathChecker
	// Downloader fetches http(s) inputs. Defaults to filedownloader.NewDownloader.
	Downloader filedownloader.Downloader
	// Compressor defaults to a zstd compressor using the zstd binary when installed.
	Compressor FileCompressor
	// S3 holds the region and credentials of s3:// inputs. Bucket and Key are taken from the input.
	S3 s3source.Params
	// Tracker receives analytics events. Events are dropped when nil.
	Tracker analytics.Tracker
}

type sizedSource interface {
	resumable.ByteRangeSource
	Size(ctx context.Context) (int64, error)
}

// Uploader ...
type Uploader struct {
	drive        DriveUploader
	envRepo      env.Repository
	logger       log.Logger
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	downloader   filedownloader.Downloader
	compressor   FileCompressor
	tracker      analytics.Tracker
	openS3       func(ctx context.Context, bucket, key string) (sizedSource, error)
}

// NewUploader ...
func NewUploader(params Params) *Uploader {
	u := &Uploader{
		drive:        params.Drive,
		envRepo:      params.EnvRepo,
		logger:       params.Logger,
		pathProvider: params.PathProvider,
		pathModifier: params.PathModifier,
		pathChecker:  params.PathChecker,
		downloader:   params.Downloader,
		compressor:   params.Compressor,
		tracker:      params.Tracker,
	}
	if u.envRepo == nil {
		u.envRepo = env.NewRepository()
	}
	if u.pathProvider == nil {
		u.pathProvider = pathutil.NewPathProvider()
	}
	if u.pathModifier == nil {
		u.pathModifier = pathutil.NewPathModifier()
	}
	if u.pathChecker == nil {
		u.pathChecker = pathutil.NewPathChecker()
	}
	if u.downloader == nil {
		u.downloader = filedownloader.NewDownloader(u.logger)
	}
	if u.compressor == nil {
		u.compressor = compression.NewCompressor(u.logger, u.envRepo, compression.NewBinaryChecker(u.logger, u.envRepo))
	}
	if u.tracker == nil {
		u.tracker = noopTracker{}
	}

	s3Params := params.S3
	u.openS3 = func(ctx context.Context, bucket, key string) (sizedSource, error) {
		p := s3Params
		p.Bucket = bucket
		p.Key = key
		return s3source.New(ctx, p, u.logger)
	}
	return u
}

// Upload uploads the files of the batch. Every resolved input gets a Result, in input order.
// The returned error reports the failed uploads; the other uploads are not affected by a failure.
func (u *Uploader) Upload(ctx context.Context, input Input) ([]Result, error) {
	if len(input.Paths) == 0 {
		return nil, errors.New("no paths to upload")
	}
	if input.BatchID == "" {
		input.BatchID = uuid.NewString()
	}
	if input.Concurrency <= 0 {
		input.Concurrency = DefaultConcurrency
	}

	tracker := newBatchTracker(u.tracker, u.logger)
	defer tracker.wait()

	items := u.evaluatePaths(input.Paths)
	if len(items) == 0 {
		return nil, errors.New("no files matched the provided paths")
	}
	u.logger.TDebugf("Paths evaluated")

	tempDir, err := u.pathProvider.CreateTempDir("drive-upload")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			u.logger.Warnf("Failed to remove temp dir %s: %s", tempDir, err)
		}
	}()

	u.logger.Infof("Uploading %d file(s) with %d parallel uploads (batch %s)", len(items), input.Concurrency, input.BatchID)
	startTime := time.Now()

	results := make([]Result, len(items))
	var logMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(input.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			result := u.uploadItem(ctx, i, it, input, tempDir)
			results[i] = result

			logMu.Lock()
			defer logMu.Unlock()
			if result.Err != nil {
				u.logger.Errorf("Failed to upload %s: %s", result.Input, result.Err)
				tracker.logFileFailed(result)
				return nil
			}
			u.logger.Donef("Uploaded %s (%s) in %s, file ID: %s", result.Name,
				units.HumanSizeWithPrecision(float64(result.Size), 3), result.Duration.Round(time.Millisecond), result.Resource.ID)
			tracker.logFileUploaded(result)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	var bytesSent int64
	for _, result := range results {
		if result.Err != nil {
			failed++
			continue
		}
		bytesSent += result.Size
	}
	batchTime := time.Since(startTime).Round(time.Second)
	tracker.logBatchFinished(batchTime, len(results), failed, bytesSent)

	if failed > 0 {
		return results, fmt.Errorf("%d of %d uploads failed", failed, len(results))
	}
	u.logger.Donef("Uploaded %d file(s), %s in %s", len(results), units.HumanSizeWithPrecision(float64(bytesSent), 3), batchTime)
	return results, nil
}

func (u *Uploader) uploadItem(ctx context.Context, index int, it item, input Input, tempDir string) Result {
	startTime := time.Now()
	result := Result{Input: it.input, Name: it.name, SourceKind: sourceKind(it.kind)}
	if it.err != nil {
		result.Err = it.err
		return result
	}

	itemDir := filepath.Join(tempDir, fmt.Sprintf("%d", index))
	if err := os.MkdirAll(itemDir, 0700); err != nil {
		result.Err = fmt.Errorf("create temp dir: %w", err)
		return result
	}

	prepared, err := u.prepare(ctx, it, input, itemDir)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(startTime)
		return result
	}
	file := prepared.file
	result.Name = file.Name
	result.Size = prepared.size
	result.Compressed = prepared.compressed

	u.logger.Debugf("Uploading %s as %s (%s, %s)", it.input, file.Name, file.MimeType, units.HumanSizeWithPrecision(float64(prepared.size), 3))
	resource, err := u.drive.ResumableCreate(ctx, file, prepared.source, prepared.size)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Err = err
		return result
	}
	result.Resource = resource
	return result
}

type preparedFile struct {
	file       drive.File
	source     resumable.ByteRangeSource
	size       int64
	compressed bool
}

// prepare returns the metadata, the content source and the size of the file to upload.
func (u *Uploader) prepare(ctx context.Context, it item, input Input, itemDir string) (preparedFile, error) {
	file := drive.File{Name: it.name}
	if input.ParentID != "" {
		file.Parents = []string{input.ParentID}
	}

	if it.kind == s3Item {
		if input.Compress {
			u.logger.Warnf("Compression is not supported for s3 inputs, uploading %s as is", it.input)
		}
		source, err := u.openS3(ctx, it.bucket, it.key)
		if err != nil {
			return preparedFile{}, err
		}
		size, err := source.Size(ctx)
		if err != nil {
			return preparedFile{}, err
		}
		mimeType, err := detectMimeType(ctx, source)
		if err != nil {
			return preparedFile{}, err
		}
		file.MimeType = mimeType
		return preparedFile{file: file, source: source, size: size}, nil
	}

	localPath := it.path
	if it.kind == remoteItem {
		downloaded, err := u.downloadFileToLocalPath(ctx, itemDir, it)
		if err != nil {
			return preparedFile{}, err
		}
		localPath = downloaded
	}

	compressed := false
	if input.Compress && !compression.IsCompressed(it.name) {
		compressedPath := filepath.Join(itemDir, compression.CompressedName(it.name))
		if err := u.compressor.CompressFile(localPath, compressedPath); err != nil {
			return preparedFile{}, err
		}
		localPath = compressedPath
		file.Name = compression.CompressedName(it.name)
		file.MimeType = compressedMimeType
		compressed = true
	} else {
		mimeType, err := mimetype.DetectFile(localPath)
		if err != nil {
			return preparedFile{}, fmt.Errorf("detect mime type: %w", err)
		}
		file.MimeType = mimeType.String()
	}

	source, err := resumable.NewFileSource(localPath)
	if err != nil {
		return preparedFile{}, err
	}
	return preparedFile{file: file, source: source, size: source.Size(), compressed: compressed}, nil
}

// detectMimeType sniffs the beginning of the content.
func detectMimeType(ctx context.Context, source resumable.ByteRangeSource) (string, error) {
	rc, err := source.Open(ctx, 0)
	if err != nil {
		return "", err
	}
	defer rc.Close() //nolint:errcheck

	mimeType, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", fmt.Errorf("detect mime type: %w", err)
	}
	return mimeType.String(), nil
}

func sourceKind(kind itemKind) string {
	switch kind {
	case remoteItem:
		return "http"
	case s3Item:
		return "s3"
	default:
		return "local"
	}
}
