// Package s3source serves the content of an upload from an S3 object, reading
// the requested byte range with ranged GET requests.
package s3source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrObjectNotFound is returned when the object doesn't exist in the bucket.
var ErrObjectNotFound = errors.New("object not found in s3 bucket")

// API is the subset of the S3 client used by Source.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Params ...
type Params struct {
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	NumRetries      int
}

// Source is a ByteRangeSource backed by an S3 object. All ranges are read from the same
// version of the object: a ranged GET fails if the object changed since Size was called.
type Source struct {
	client     API
	bucket     string
	key        string
	numRetries uint
	retryWait  time.Duration
	logger     log.Logger

	mu   sync.Mutex
	size int64
	etag string
	head bool
}

// New creates a Source with credentials from params, or from the environment if params has none.
func New(ctx context.Context, params Params, logger log.Logger) (*Source, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if params.Key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewWithClient(s3.NewFromConfig(*cfg), params.Bucket, params.Key, params.NumRetries, logger), nil
}

// NewWithClient ...
func NewWithClient(client API, bucket, key string, numRetries int, logger log.Logger) *Source {
	if numRetries < 0 {
		numRetries = 0
	}
	return &Source{
		client:     client,
		bucket:     bucket,
		key:        key,
		numRetries: uint(numRetries),
		retryWait:  5 * time.Second,
		logger:     logger,
	}
}

// Size returns the size of the object.
func (s *Source) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head {
		return s.size, nil
	}

	var output *s3.HeadObjectOutput
	err := retry.Times(s.numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key),
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", ErrObjectNotFound, s.key), true
			}
			if ctx.Err() != nil {
				return err, true
			}
			s.logger.Debugf("head object %s (attempt %d): %s", s.key, attempt+1, err)
			return fmt.Errorf("head object: %w", err), false
		}
		output = out
		return nil, true
	})
	if err != nil {
		return 0, err
	}

	s.size = aws.ToInt64(output.ContentLength)
	s.etag = aws.ToString(output.ETag)
	s.head = true
	return s.size, nil
}

// Open returns the object's content from offset.
func (s *Source) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	size, err := s.Size(ctx)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > size {
		return nil, fmt.Errorf("offset %d out of range [0, %d]", offset, size)
	}
	if offset == size {
		// S3 rejects a range starting at the end of the object
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-", offset)),
	}
	if s.etag != "" {
		input.IfMatch = aws.String(s.etag)
	}

	var body io.ReadCloser
	err = retry.Times(s.numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		result, err := s.client.GetObject(ctx, input)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", ErrObjectNotFound, s.key), true
			}
			if ctx.Err() != nil {
				return err, true
			}
			s.logger.Debugf("get object %s from offset %d (attempt %d): %s", s.key, offset, attempt+1, err)
			return fmt.Errorf("get object: %w", err), false
		}
		body = result.Body
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey:
		return true
	default:
		return false
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("Using static aws credentials")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
