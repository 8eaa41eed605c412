package s3source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-drive/resumable"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ resumable.ByteRangeSource = (*Source)(nil)

type fakeS3 struct {
	data       []byte
	etag       string
	headErrs   []error
	getErrs    []error
	heads      int
	ranges     []string
	ifMatches  []string
	missingKey bool
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.heads++
	if f.missingKey {
		return nil, &types.NotFound{}
	}
	if len(f.headErrs) > 0 {
		err := f.headErrs[0]
		f.headErrs = f.headErrs[1:]
		return nil, err
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(f.data))),
		ETag:          aws.String(f.etag),
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.ranges = append(f.ranges, aws.ToString(params.Range))
	f.ifMatches = append(f.ifMatches, aws.ToString(params.IfMatch))
	if f.missingKey {
		return nil, &types.NoSuchKey{}
	}
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		return nil, err
	}

	start, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(aws.ToString(params.Range), "bytes="), "-"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range: %w", err)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.data[start:]))}, nil
}

func newTestSource(client API) *Source {
	source := NewWithClient(client, "bucket", "path/to/object.bin", 2, log.NewLogger())
	source.retryWait = 0
	return source
}

func TestSource_Size(t *testing.T) {
	client := &fakeS3{data: []byte("0123456789"), etag: `"abc"`}
	source := newTestSource(client)

	size, err := source.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	size, err = source.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
	assert.Equal(t, 1, client.heads)
}

func TestSource_SizeRetries(t *testing.T) {
	client := &fakeS3{
		data:     []byte("0123456789"),
		headErrs: []error{errors.New("connection reset"), errors.New("connection reset")},
	}
	source := newTestSource(client)

	size, err := source.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
	assert.Equal(t, 3, client.heads)
}

func TestSource_SizeRetriesExhausted(t *testing.T) {
	client := &fakeS3{
		data:     []byte("0123456789"),
		headErrs: []error{errors.New("e1"), errors.New("e2"), errors.New("e3")},
	}
	source := newTestSource(client)

	_, err := source.Size(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "e3")
	assert.Equal(t, 3, client.heads)
}

func TestSource_NotFound(t *testing.T) {
	client := &fakeS3{missingKey: true}
	source := newTestSource(client)

	_, err := source.Size(context.Background())
	require.ErrorIs(t, err, ErrObjectNotFound)
	assert.Equal(t, 1, client.heads)

	_, err = source.Open(context.Background(), 0)
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestSource_Open(t *testing.T) {
	tests := []struct {
		name      string
		offset    int64
		want      string
		wantRange string
		wantErr   bool
	}{
		{name: "from start", offset: 0, want: "0123456789", wantRange: "bytes=0-"},
		{name: "from middle", offset: 4, want: "456789", wantRange: "bytes=4-"},
		{name: "at end", offset: 10, want: ""},
		{name: "negative", offset: -1, wantErr: true},
		{name: "beyond end", offset: 11, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeS3{data: []byte("0123456789"), etag: `"abc"`}
			source := newTestSource(client)

			rc, err := source.Open(context.Background(), tt.offset)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { require.NoError(t, rc.Close()) }()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))

			if tt.wantRange == "" {
				assert.Empty(t, client.ranges)
				return
			}
			assert.Equal(t, []string{tt.wantRange}, client.ranges)
			assert.Equal(t, []string{`"abc"`}, client.ifMatches)
		})
	}
}

func TestSource_OpenRetries(t *testing.T) {
	client := &fakeS3{data: []byte("0123456789"), getErrs: []error{errors.New("timeout")}}
	source := newTestSource(client)

	rc, err := source.Open(context.Background(), 2)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	assert.Equal(t, "23456789", string(got))
	assert.Equal(t, []string{"bytes=2-", "bytes=2-"}, client.ranges)
}

func TestSource_Upload(t *testing.T) {
	data := bytes.Repeat([]byte("drive"), 200)
	client := &fakeS3{data: data}
	source := newTestSource(client)

	size, err := source.Size(context.Background())
	require.NoError(t, err)

	var streamed []byte
	for _, offset := range []int64{0, 400, size} {
		rc, err := source.Open(context.Background(), offset)
		require.NoError(t, err)
		chunk, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		if offset == 400 {
			streamed = chunk
		}
	}
	assert.Equal(t, data[400:], streamed)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{name: "missing bucket", params: Params{Region: "us-east-1", Key: "k"}},
		{name: "missing key", params: Params{Region: "us-east-1", Bucket: "b"}},
		{name: "missing region", params: Params{Bucket: "b", Key: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.params, log.NewLogger())
			require.Error(t, err)
		})
	}
}
