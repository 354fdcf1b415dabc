package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/internal/gauth"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTokens) EnsureValidToken(ctx context.Context) (gauth.Credential, error) {
	f.calls.Add(1)
	if f.err != nil {
		return gauth.Credential{}, f.err
	}
	return gauth.Credential{AccessToken: "access-1", TokenType: "Bearer"}, nil
}

type uploadRequest struct {
	authorization string
	uploadType    string
	metadata      map[string]any
	mediaType     string
	media         []byte
}

func readUpload(t *testing.T, r *http.Request) uploadRequest {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/related", mediaType)

	req := uploadRequest{
		authorization: r.Header.Get("Authorization"),
		uploadType:    r.URL.Query().Get("uploadType"),
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := reader.NextPart()
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(metaPart).Decode(&req.metadata))

	mediaPart, err := reader.NextPart()
	require.NoError(t, err)
	req.mediaType = mediaPart.Header.Get("Content-Type")
	req.media, err = io.ReadAll(mediaPart)
	require.NoError(t, err)

	return req
}

func writeExport(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "MATRIZ.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("xlsx bytes"), 0600))
	return path
}

func TestUpload(t *testing.T) {
	var received uploadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload/drive/v3/files", r.URL.Path)
		received = readUpload(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "file-1", "name": "MATRIZ.xlsx", "parents": ["folder-mtz"]}`)
	}))
	defer server.Close()

	tokens := &fakeTokens{}
	client := NewClient(Config{UploadUrl: server.URL + "/upload"}, tokens, telemetry.NewTestingAPI(t))

	file, err := client.Upload(context.Background(), writeExport(t), "folder-mtz")
	require.NoError(t, err)
	require.Equal(t, "file-1", file.Id)
	require.Equal(t, int32(1), tokens.calls.Load())

	require.Equal(t, "Bearer access-1", received.authorization)
	require.Equal(t, "multipart", received.uploadType)
	expectedMetadata := map[string]any{
		"name":     "MATRIZ.xlsx",
		"mimeType": SpreadsheetMimeType,
		"parents":  []any{"folder-mtz"},
	}
	if diff := cmp.Diff(expectedMetadata, received.metadata); diff != "" {
		t.Fatal("unexpected metadata", diff)
	}
	require.Equal(t, SpreadsheetMimeType, received.mediaType)
	require.Equal(t, []byte("xlsx bytes"), received.media)
}

func TestUploadClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   UploadErrorKind
	}{
		{
			name:   "forbidden",
			status: 403,
			body:   `{"error": {"code": 403, "message": "The user does not have sufficient permissions for this file."}}`,
			kind:   KindPermission,
		},
		{
			name:   "folder not found",
			status: 404,
			body:   `{"error": {"code": 404, "message": "File not found: folder-mtz."}}`,
			kind:   KindFolderNotFound,
		},
		{
			name:   "invalid grant",
			status: 400,
			body:   `{"error": "invalid_grant"}`,
			kind:   KindCredentialExpired,
		},
		{
			name:   "unauthorized",
			status: 401,
			body:   `{"error": {"code": 401, "message": "Invalid Credentials"}}`,
			kind:   KindCredentialExpired,
		},
		{
			name:   "server error",
			status: 500,
			body:   `backend error`,
			kind:   KindOther,
		},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.status)
				fmt.Fprint(w, test.body)
			}))
			defer server.Close()

			client := NewClient(Config{UploadUrl: server.URL}, &fakeTokens{}, telemetry.NewTestingAPI(t))
			_, err := client.Upload(context.Background(), writeExport(t), "folder-mtz")
			require.ErrorIs(t, err, ErrUploadFailed)

			var uploadErr *UploadError
			require.True(t, errors.As(err, &uploadErr))
			require.Equal(t, test.kind, uploadErr.Kind)
			require.Equal(t, test.status, uploadErr.Status)
			require.Equal(t, test.kind == KindCredentialExpired, errors.Is(err, gauth.ErrCredentialExpired))
		})
	}
}

func TestUploadMissingFile(t *testing.T) {
	tokens := &fakeTokens{}
	client := NewClient(Config{UploadUrl: "http://127.0.0.1:1"}, tokens, telemetry.NewTestingAPI(t))

	_, err := client.Upload(context.Background(), filepath.Join(t.TempDir(), "MATRIZ.xlsx"), "folder-mtz")
	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	require.Equal(t, KindMissingFile, uploadErr.Kind)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, int32(0), tokens.calls.Load())
}

func TestUploadCredentialExpired(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	tokens := &fakeTokens{err: gauth.ErrCredentialExpired}
	client := NewClient(Config{UploadUrl: server.URL}, tokens, telemetry.NewTestingAPI(t))

	_, err := client.Upload(context.Background(), writeExport(t), "folder-mtz")
	require.ErrorIs(t, err, ErrUploadFailed)
	require.ErrorIs(t, err, gauth.ErrCredentialExpired)

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	require.Equal(t, KindCredentialExpired, uploadErr.Kind)
	require.Equal(t, int32(0), requests.Load())
}

func TestAbout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/drive/v3/about", r.URL.Path)
		require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"user": {"displayName": "Inventarios", "emailAddress": "inventarios@example.com"},
			"storageQuota": {"limit": "16106127360", "usage": "2048"}
		}`)
	}))
	defer server.Close()

	client := NewClient(Config{ApiUrl: server.URL}, &fakeTokens{}, telemetry.NewTestingAPI(t))
	about, err := client.About(context.Background())
	require.NoError(t, err)
	require.Equal(t, "inventarios@example.com", about.User.EmailAddress)
	require.Equal(t, "2048", about.StorageQuota.Usage)
}
