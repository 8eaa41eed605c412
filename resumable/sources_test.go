package resumable

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readSource(t *testing.T, source ByteRangeSource, offset int64) string {
	rc, err := source.Open(context.Background(), offset)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, rc.Close())
	}()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0600))

	source, err := NewFileSource(path)
	require.NoError(t, err)
	require.Equal(t, int64(10), source.Size())

	require.Equal(t, "0123456789", readSource(t, source, 0))
	require.Equal(t, "456789", readSource(t, source, 4))
	require.Equal(t, "", readSource(t, source, 10))

	// streams are independent of each other
	first, err := source.Open(context.Background(), 2)
	require.NoError(t, err)
	second, err := source.Open(context.Background(), 8)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	data, err := io.ReadAll(second)
	require.NoError(t, err)
	require.Equal(t, "89", string(data))
	require.NoError(t, second.Close())

	_, err = source.Open(context.Background(), 11)
	require.Error(t, err)
	_, err = source.Open(context.Background(), -1)
	require.Error(t, err)
}

func TestNewFileSource_Errors(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = NewFileSource(t.TempDir())
	require.Error(t, err)
}

func TestByteSliceSource(t *testing.T) {
	source := NewByteSliceSource([]byte("hello world"))
	require.Equal(t, int64(11), source.Size())
	require.Equal(t, "hello world", readSource(t, source, 0))
	require.Equal(t, "world", readSource(t, source, 6))

	_, err := source.Open(context.Background(), 12)
	require.Error(t, err)
}

func TestReaderAtSource(t *testing.T) {
	source := NewReaderAtSource(strings.NewReader("abcdef"), 6)
	require.Equal(t, int64(6), source.Size())
	require.Equal(t, "abcdef", readSource(t, source, 0))
	require.Equal(t, "ef", readSource(t, source, 4))

	_, err := source.Open(context.Background(), 7)
	require.Error(t, err)
}
