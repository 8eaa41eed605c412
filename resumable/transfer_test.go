package resumable

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransfer(t *testing.T, endpoint string, offset, total int64, stream io.ReadCloser) *Transfer {
	session := &Session{EndpointURI: endpoint, Request: UploadRequest{Name: "test.bin", MimeType: "text/plain", TotalLength: total}}
	transfer, err := NewTransfer(context.Background(), DefaultHTTPClient(), session, offset, stream, "Bearer "+testToken, log.NewLogger())
	require.NoError(t, err)
	return transfer
}

func TestTransfer_Completed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes 4-9/10", r.Header.Get("Content-Range"))
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		assert.Equal(t, int64(6), r.ContentLength)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "456789", string(body))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"file-id"}`))
	}))
	defer server.Close()

	stream := &countingStream{ReadCloser: io.NopCloser(strings.NewReader("456789"))}
	transfer := newTestTransfer(t, server.URL, 4, 10, stream)
	transfer.Start()
	transfer.Start()
	<-transfer.Done()

	outcome := transfer.Outcome()
	require.Equal(t, OutcomeCompleted, outcome.Kind)
	require.Equal(t, "file-id", outcome.Resource.ID)
	require.Equal(t, int64(6), outcome.Sent)
	require.Equal(t, int64(6), transfer.Sent())
	require.Equal(t, int32(1), stream.closes.Load())
}

func TestTransfer_Cancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	stream := newBlockingStream([]byte("01234"))
	transfer := newTestTransfer(t, server.URL, 0, 10, stream)
	transfer.Start()

	<-stream.drained
	transfer.Cancel()

	select {
	case <-transfer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not stop")
	}

	outcome := transfer.Outcome()
	require.Equal(t, OutcomeAborted, outcome.Kind)
	require.ErrorIs(t, outcome.Err, ErrAborted)
	require.Equal(t, int64(5), outcome.Sent)
	require.Equal(t, int32(1), stream.closes.Load())
}

func TestTransfer_Stalled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	stream := newBlockingStream([]byte("01234"))
	transfer := newTestTransfer(t, server.URL, 0, 10, stream)
	transfer.Start()
	go transfer.watchStalls(100 * time.Millisecond)

	select {
	case <-transfer.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stalled transfer was not cancelled")
	}

	outcome := transfer.Outcome()
	require.Equal(t, OutcomeRetryable, outcome.Kind)
	require.ErrorIs(t, outcome.Err, errStalled)
	require.NotErrorIs(t, outcome.Err, ErrAborted)
	require.Equal(t, int32(1), stream.closes.Load())
}

func TestTransfer_Cancel_PipeSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	pr, pw := io.Pipe()
	stream := &countingStream{ReadCloser: pr}
	transfer := newTestTransfer(t, server.URL, 0, 1000, stream)
	transfer.Start()

	_, err := pw.Write(testData(600))
	require.NoError(t, err)
	transfer.Cancel()

	select {
	case <-transfer.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("transfer blocked on the source stream")
	}

	outcome := transfer.Outcome()
	require.Equal(t, OutcomeAborted, outcome.Kind)
	require.ErrorIs(t, outcome.Err, ErrAborted)
	require.Equal(t, int64(600), outcome.Sent)
	require.Equal(t, int32(1), stream.closes.Load())

	_, err = pw.Write([]byte("x"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestTransfer_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	stream := &countingStream{ReadCloser: io.NopCloser(strings.NewReader("0123456789"))}
	transfer := newTestTransfer(t, endpoint, 0, 10, stream)
	transfer.Start()
	<-transfer.Done()

	outcome := transfer.Outcome()
	require.Equal(t, OutcomeRetryable, outcome.Kind)
	var transient *transientError
	require.ErrorAs(t, outcome.Err, &transient)
	require.Equal(t, int32(1), stream.closes.Load())
}

func TestNewTransfer_InvalidOffset(t *testing.T) {
	stream := &countingStream{ReadCloser: io.NopCloser(strings.NewReader(""))}
	session := &Session{EndpointURI: "http://127.0.0.1:1", Request: UploadRequest{TotalLength: 10}}

	_, err := NewTransfer(context.Background(), DefaultHTTPClient(), session, 11, stream, "Bearer "+testToken, log.NewLogger())
	require.Error(t, err)
	require.Equal(t, int32(1), stream.closes.Load())
}

func Test_classifyTransmitResponse(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  OutcomeKind
		wantErrIs error
	}{
		{name: "ok", status: http.StatusOK, body: `{"id":"a"}`, wantKind: OutcomeCompleted},
		{name: "created", status: http.StatusCreated, body: `{"id":"a"}`, wantKind: OutcomeCompleted},
		{name: "unparsable resource", status: http.StatusOK, body: `<html>`, wantKind: OutcomeFatal},
		{name: "rate limited", status: http.StatusForbidden, wantKind: OutcomeRetryable},
		{name: "session expired", status: http.StatusNotFound, wantKind: OutcomeFatal, wantErrIs: ErrSessionExpired},
		{name: "server error", status: http.StatusInternalServerError, wantKind: OutcomeRetryable},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantKind: OutcomeRetryable},
		{name: "bad request", status: http.StatusBadRequest, wantKind: OutcomeFatal, wantErrIs: ErrUnexpectedStatus},
		{name: "incomplete", status: statusResumeIncomplete, wantKind: OutcomeFatal, wantErrIs: ErrUnexpectedStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			outcome := classifyTransmitResponse(resp, []byte(tt.body))

			require.Equal(t, tt.wantKind, outcome.Kind, outcome.Err)
			require.Equal(t, tt.status, outcome.StatusCode)
			if tt.wantErrIs != nil {
				require.True(t, errors.Is(outcome.Err, tt.wantErrIs), outcome.Err)
			}
			if outcome.Kind == OutcomeRetryable {
				var transient *transientError
				require.ErrorAs(t, outcome.Err, &transient)
				require.Same(t, resp, transient.resp)
			}
		})
	}
}
