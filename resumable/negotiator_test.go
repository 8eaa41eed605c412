package resumable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/bitrise-io/go-drive/credential"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiator_Open(t *testing.T) {
	var gotQuery url.Values
	var gotBody sessionMetadata
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "image/png", r.Header.Get("X-Upload-Content-Type"))
		assert.Equal(t, "42", r.Header.Get("X-Upload-Content-Length"))

		w.Header().Set("Location", "/session/abc")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	negotiator := NewNegotiator(DefaultHTTPClient(), credential.Static{AccessToken: testToken}, server.URL+testUploadURI, "id,name", log.NewLogger())
	session, err := negotiator.Open(context.Background(), UploadRequest{
		Name:        "image.png",
		MimeType:    "image/png",
		TotalLength: 42,
		ParentID:    "folder",
		Params:      url.Values{"supportsTeamDrives": []string{"true"}, "fields": []string{"id"}},
	})
	require.NoError(t, err)

	require.Equal(t, server.URL+"/session/abc", session.EndpointURI)
	require.Equal(t, int64(42), session.Request.TotalLength)
	require.False(t, session.CreatedAt.IsZero())

	require.Equal(t, "resumable", gotQuery.Get("uploadType"))
	require.Equal(t, "true", gotQuery.Get("supportsTeamDrives"))
	require.Equal(t, "id", gotQuery.Get("fields"))
	require.Equal(t, sessionMetadata{Name: "image.png", MimeType: "image/png", Parents: []string{"folder"}}, gotBody)
}

func TestNegotiator_Open_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "backend error", http.StatusInternalServerError)
			},
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
			},
		},
		{
			name: "truncated error body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "100")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("backend"))
			},
		},
		{
			name: "missing location",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			negotiator := NewNegotiator(DefaultHTTPClient(), credential.Static{AccessToken: testToken}, server.URL, "", log.NewLogger())
			session, err := negotiator.Open(context.Background(), UploadRequest{Name: "a.txt", TotalLength: 1})

			require.Nil(t, session)
			require.ErrorIs(t, err, ErrSessionInitiationFailed)
			kind, _ := KindOf(err)
			require.Equal(t, KindProtocol, kind)
		})
	}
}

func TestUploadRequest_validate(t *testing.T) {
	require.NoError(t, UploadRequest{Name: "a", TotalLength: 0}.validate())
	require.NoError(t, UploadRequest{ExistingResourceID: "id", TotalLength: 10}.validate())
	require.ErrorIs(t, UploadRequest{Name: "a", TotalLength: -1}.validate(), ErrInvalidRequest)
	require.ErrorIs(t, UploadRequest{TotalLength: 1}.validate(), ErrInvalidRequest)
}
