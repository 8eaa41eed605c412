package resumable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// FileSource reads the content of an upload from a file on disk.
// Every stream opens its own file handle, so streams never share a read position.
type FileSource struct {
	path string
	size int64
}

// NewFileSource creates a ByteRangeSource for the file at path.
func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{path: path, size: info.Size()}, nil
}

// Size returns the size of the file at the time the source was created.
func (s *FileSource) Size() int64 {
	return s.size
}

// Open returns a stream of the file from offset to its end.
func (s *FileSource) Open(_ context.Context, offset int64) (io.ReadCloser, error) {
	if offset < 0 || offset > s.size {
		return nil, fmt.Errorf("offset %d out of range [0, %d]", offset, s.size)
	}

	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("seek to position %d: %w", offset, err)
	}

	return file, nil
}

// ByteSliceSource serves the content of an upload from memory.
type ByteSliceSource struct {
	data []byte
}

// NewByteSliceSource creates a ByteRangeSource from data. The slice must not be modified while in use.
func NewByteSliceSource(data []byte) *ByteSliceSource {
	return &ByteSliceSource{data: data}
}

// Size returns the length of the content.
func (s *ByteSliceSource) Size() int64 {
	return int64(len(s.data))
}

// Open returns a stream of the content from offset.
func (s *ByteSliceSource) Open(_ context.Context, offset int64) (io.ReadCloser, error) {
	if offset < 0 || offset > int64(len(s.data)) {
		return nil, fmt.Errorf("offset %d out of range [0, %d]", offset, len(s.data))
	}
	return io.NopCloser(bytes.NewReader(s.data[offset:])), nil
}

// ReaderAtSource adapts an io.ReaderAt of known size.
type ReaderAtSource struct {
	r    io.ReaderAt
	size int64
}

// NewReaderAtSource ...
func NewReaderAtSource(r io.ReaderAt, size int64) *ReaderAtSource {
	return &ReaderAtSource{r: r, size: size}
}

// Size returns the size passed to NewReaderAtSource.
func (s *ReaderAtSource) Size() int64 {
	return s.size
}

// Open returns a stream of the range [offset, size).
func (s *ReaderAtSource) Open(_ context.Context, offset int64) (io.ReadCloser, error) {
	if offset < 0 || offset > s.size {
		return nil, fmt.Errorf("offset %d out of range [0, %d]", offset, s.size)
	}
	return io.NopCloser(io.NewSectionReader(s.r, offset, s.size-offset)), nil
}

// SourceFunc adapts a function to the ByteRangeSource interface.
type SourceFunc func(ctx context.Context, offset int64) (io.ReadCloser, error)

// Open calls f(ctx, offset).
func (f SourceFunc) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	return f(ctx, offset)
}
