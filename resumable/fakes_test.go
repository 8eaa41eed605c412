package resumable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"
)

const (
	testToken     = "test-token"
	testUploadURI = "/upload/drive/v3/files"
)

type initiation struct {
	method      string
	path        string
	query       string
	contentType string
	uploadType  string
	uploadLen   string
	auth        string
	body        map[string]any
}

// fakeDrive emulates the resumable upload endpoints of the drive API. Hooks let a test take over
// a probe or transmit request; unhandled requests behave like a well-behaved server.
type fakeDrive struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	total          int64
	sessions       int
	current        string
	received       []byte
	completed      bool
	initiateStatus int
	initiations    []initiation
	probes         int
	probeOffsets   []int64
	transmits      int
	transmitRanges []string
	transmitTimes  []time.Time
	authHeaders    []string

	probeHook    func(attempt int, w http.ResponseWriter, r *http.Request) bool
	transmitHook func(attempt int, w http.ResponseWriter, r *http.Request) bool
}

func newFakeDrive(t *testing.T, total int64) *fakeDrive {
	f := &fakeDrive{t: t, total: total}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDrive) uploadURL() string {
	return f.server.URL + testUploadURI
}

func (f *fakeDrive) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, testUploadURI):
		f.handleInitiate(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/session/"):
		f.mu.Lock()
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		valid := r.URL.Path == f.current
		f.mu.Unlock()

		if !valid {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if strings.HasPrefix(r.Header.Get("Content-Range"), "bytes */") && r.ContentLength == 0 {
			f.handleProbe(w, r)
			return
		}
		f.handleTransmit(w, r)
	default:
		http.Error(w, "unknown endpoint", http.StatusBadRequest)
	}
}

func (f *fakeDrive) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.initiations = append(f.initiations, initiation{
		method:      r.Method,
		path:        r.URL.Path,
		query:       r.URL.RawQuery,
		contentType: r.Header.Get("Content-Type"),
		uploadType:  r.Header.Get("X-Upload-Content-Type"),
		uploadLen:   r.Header.Get("X-Upload-Content-Length"),
		auth:        r.Header.Get("Authorization"),
		body:        body,
	})

	if f.initiateStatus != 0 {
		http.Error(w, "backend error", f.initiateStatus)
		return
	}

	f.sessions++
	f.current = fmt.Sprintf("/session/%d", f.sessions)
	f.received = nil
	f.completed = false
	w.Header().Set("Location", f.server.URL+f.current)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeDrive) handleProbe(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.probes++
	attempt := f.probes
	hook := f.probeHook
	f.mu.Unlock()

	if hook != nil && hook(attempt, w, r) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.probeOffsets = append(f.probeOffsets, int64(len(f.received)))
	if f.completed {
		f.writeResource(w, http.StatusOK)
		return
	}
	if len(f.received) > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(f.received)-1))
	}
	w.WriteHeader(statusResumeIncomplete)
}

func (f *fakeDrive) handleTransmit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.transmits++
	attempt := f.transmits
	f.transmitRanges = append(f.transmitRanges, r.Header.Get("Content-Range"))
	f.transmitTimes = append(f.transmitTimes, time.Now())
	hook := f.transmitHook
	f.mu.Unlock()

	if hook != nil && hook(attempt, w, r) {
		return
	}

	start, ok := rangeStart(r.Header.Get("Content-Range"))
	f.mu.Lock()
	expected := int64(len(f.received))
	f.mu.Unlock()
	if !ok || start != expected {
		http.Error(w, "invalid range", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	f.accept(data)

	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.received)) == f.total {
		f.completed = true
		f.writeResource(w, http.StatusCreated)
		return
	}
	w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(f.received)-1))
	w.WriteHeader(statusResumeIncomplete)
}

// acceptPartial durably stores the first n bytes of the transmitted body, then fails with status.
func (f *fakeDrive) acceptPartial(w http.ResponseWriter, r *http.Request, n int64, status int) {
	data, _ := io.ReadAll(io.LimitReader(r.Body, n))
	f.accept(data)
	http.Error(w, "backend error", status)
}

func (f *fakeDrive) accept(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, data...)
}

func (f *fakeDrive) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = ""
}

func (f *fakeDrive) writeResource(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"id":"file-id","name":"test.bin","mimeType":"application/octet-stream","size":"%d"}`, f.total)
}

// driveSnapshot is a copy of the recorded state of a fakeDrive.
type driveSnapshot struct {
	sessions       int
	received       []byte
	completed      bool
	initiations    []initiation
	probes         int
	probeOffsets   []int64
	transmits      int
	transmitRanges []string
	transmitTimes  []time.Time
	authHeaders    []string
}

func (f *fakeDrive) snapshot() driveSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return driveSnapshot{
		sessions:       f.sessions,
		received:       append([]byte(nil), f.received...),
		completed:      f.completed,
		initiations:    append([]initiation(nil), f.initiations...),
		probes:         f.probes,
		probeOffsets:   append([]int64(nil), f.probeOffsets...),
		transmits:      f.transmits,
		transmitRanges: append([]string(nil), f.transmitRanges...),
		transmitTimes:  append([]time.Time(nil), f.transmitTimes...),
		authHeaders:    append([]string(nil), f.authHeaders...),
	}
}

func rangeStart(header string) (int64, bool) {
	byteRange, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}
	startStr, _, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	return start, err == nil
}

func testConfig(f *fakeDrive) Config {
	config := DefaultConfig()
	config.UploadURL = f.uploadURL()
	config.MinBackoff = 10 * time.Millisecond
	config.MaxBackoff = 50 * time.Millisecond
	config.StallTimeout = 0
	return config
}

func newTestUploader(config Config) *Uploader {
	return New(config, credential.Static{AccessToken: testToken}, log.NewLogger())
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// countingSource counts the streams it opens and how often each of them was closed.
type countingSource struct {
	source ByteRangeSource

	mu      sync.Mutex
	offsets []int64
	streams []*countingStream
}

func (s *countingSource) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	rc, err := s.source.Open(ctx, offset)
	if err != nil {
		return nil, err
	}

	stream := &countingStream{ReadCloser: rc}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = append(s.offsets, offset)
	s.streams = append(s.streams, stream)
	return stream, nil
}

func (s *countingSource) requireClosedOnce(t *testing.T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, stream := range s.streams {
		require.Equal(t, int32(1), stream.closes.Load(), "stream %d closed %d times", i, stream.closes.Load())
	}
}

type countingStream struct {
	io.ReadCloser
	closes atomic.Int32
}

func (s *countingStream) Close() error {
	s.closes.Add(1)
	return s.ReadCloser.Close()
}

// blockingStream returns data, then blocks until it is closed.
type blockingStream struct {
	data    []byte
	pos     int
	drained chan struct{}
	closed  chan struct{}
	once    sync.Once
	closes  atomic.Int32
}

func newBlockingStream(data []byte) *blockingStream {
	return &blockingStream{
		data:    data,
		drained: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (s *blockingStream) Read(p []byte) (int, error) {
	if s.pos < len(s.data) {
		n := copy(p, s.data[s.pos:])
		s.pos += n
		return n, nil
	}

	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *blockingStream) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closed) })
	return nil
}
