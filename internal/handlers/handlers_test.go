package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/dropshare/internal/blobstore"
	"github.com/maneesh/dropshare/internal/chunker"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/storage"
	"github.com/maneesh/dropshare/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	logger.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type testServer struct {
	*httptest.Server
	store *storage.MemoryStore
	blobs *blobstore.Memory
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	ms := storage.NewMemoryStore()
	blobs := blobstore.NewMemory()
	svc := transfer.NewService(ms, ms, blobs, nil, transfer.Options{ChunkSize: 4, DirectUploadMax: 8, FetchConcurrency: 2})
	srv := httptest.NewServer(NewRouter(RouterConfig{Service: svc, Drops: ms, MaxUpload: maxUpload}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: ms, blobs: blobs}
}

type filePart struct {
	field, name, contentType string
	data                     []byte
}

func multipartRequest(t *testing.T, url string, fields map[string]string, file *filePart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, file.field, file.name))
		h.Set("Content-Type", file.contentType)
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return do(t, req)
}

func del(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	return do(t, req)
}

func upload(t *testing.T, ts *testServer, fields map[string]string, name, contentType string, data []byte) UploadResponse {
	t.Helper()
	resp, body := do(t, multipartRequest(t, ts.URL+"/upload", fields, &filePart{"file", name, contentType, data}))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out UploadResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	resp, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestUploadInfoDownload(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	data := []byte("thirteen byte")

	up := upload(t, ts, nil, "report final.pdf", "application/pdf", data)
	assert.NotEmpty(t, up.FileID)
	assert.Len(t, up.Slug, 8)
	assert.True(t, up.IsChunked)
	assert.Equal(t, 4, up.TotalChunks)
	assert.Equal(t, "complete", string(up.Status))
	assert.Equal(t, int64(13), up.File.Size)

	resp, body := get(t, ts.URL+"/download/"+up.Slug)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, `inline; filename="report_final.pdf"`, resp.Header.Get("Content-Disposition"))

	resp, body = get(t, ts.URL+"/file/"+up.Slug)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info FileInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "report final.pdf", info.Name)
	assert.Equal(t, int64(1), info.DownloadCount)
	assert.Equal(t, "/download/"+up.Slug, info.DownloadURL)
	assert.NotContains(t, string(body), "remote_object_ref")
}

func TestUpload_Errors(t *testing.T) {
	ts := newTestServer(t, 16)

	resp, _ := do(t, multipartRequest(t, ts.URL+"/upload", map[string]string{"notes": "x"}, nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, multipartRequest(t, ts.URL+"/upload", nil, &filePart{"file", "big.bin", "application/octet-stream", make([]byte, 20)}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, _ = do(t, multipartRequest(t, ts.URL+"/upload", map[string]string{"expiry_days": "soon"},
		&filePart{"file", "a.txt", "text/plain", []byte("abc")}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownload_ExpiredAndLimited(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	expired := upload(t, ts, map[string]string{"expiry_at": past}, "old.txt", "text/plain", []byte("old"))
	resp, _ := get(t, ts.URL+"/download/"+expired.Slug)
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	up := upload(t, ts, map[string]string{"expiry_days": "1"}, "new.txt", "text/plain", []byte("new"))
	require.NotNil(t, up.File.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *up.File.ExpiresAt, time.Minute)

	resp, body := get(t, ts.URL+"/download/"+up.Slug+"?max_downloads=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new", string(body))
	assert.Equal(t, `attachment; filename="new.txt"`, resp.Header.Get("Content-Disposition"))

	resp, _ = get(t, ts.URL+"/download/"+up.Slug+"?max_downloads=1")
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/download/"+up.Slug+"?max_downloads=many")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = get(t, ts.URL+"/download/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Error, "not found")
}

func TestWriteAndRead(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	data := []byte("raw body upload!")

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/write?name=raw.bin", bytes.NewReader(data))
	require.NoError(t, err)
	resp, body := do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var out WriteResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, int64(len(data)), out.FileSize)
	assert.Equal(t, 4, out.ChunkCount)

	resp, body = get(t, ts.URL+"/read/"+out.FileID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)

	req, err = http.NewRequest(http.MethodPut, ts.URL+"/write", bytes.NewReader(data))
	require.NoError(t, err)
	resp, _ = do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWrite_TooLarge(t *testing.T) {
	ts := newTestServer(t, 8)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/write?name=a", bytes.NewReader(make([]byte, 9)))
	require.NoError(t, err)
	resp, _ := do(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func chunkFields(fileID string, index, total int, part []byte) map[string]string {
	return map[string]string{
		"fileId":      fileID,
		"chunkIndex":  fmt.Sprint(index),
		"totalChunks": fmt.Sprint(total),
		"fileName":    "client.txt",
		"fileSize":    "12",
		"mimetype":    "text/plain",
		"checksum":    chunker.ComputeHash(part),
		"user_id":     "u1",
	}
}

func TestUploadChunk(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	parts := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}

	fields := chunkFields("c1", 0, 3, parts[0])
	fields["checksum"] = chunker.ComputeHash([]byte("nope"))
	resp, _ := do(t, multipartRequest(t, ts.URL+"/upload-chunk", fields, &filePart{"chunk", "blob", "application/octet-stream", parts[0]}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "client checksum mismatch")

	resp, _ = do(t, multipartRequest(t, ts.URL+"/upload-chunk", map[string]string{"fileId": "c1"}, nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var last ChunkResponse
	for i, p := range parts {
		resp, body := do(t, multipartRequest(t, ts.URL+"/upload-chunk", chunkFields("c1", i, 3, p), &filePart{"chunk", "blob", "application/octet-stream", p}))
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		require.NoError(t, json.Unmarshal(body, &last))
		assert.True(t, last.Success)
		assert.True(t, last.Stored)
		assert.Equal(t, i, last.ChunkIndex)
	}
	assert.Equal(t, "complete", string(last.Status))

	resp, body := get(t, ts.URL+"/download/"+last.Slug)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "aaaabbbbcccc", string(body))

	resp, body = get(t, ts.URL+"/mydrops?user_id=u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), last.Slug)
}

func TestDeleteFile_OwnerCheck(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	up := upload(t, ts, map[string]string{"user_id": "u1"}, "mine.bin", "application/octet-stream", []byte("0123456789"))
	assert.Equal(t, 3, ts.blobs.Len())

	resp, _ := del(t, ts.URL+"/file/"+up.Slug+"?user_id=u2")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = del(t, ts.URL+"/file/"+up.Slug+"?user_id=u1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, ts.blobs.Len())

	resp, _ = get(t, ts.URL+"/file/"+up.Slug)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := get(t, ts.URL+"/mydrops?user_id=u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), up.Slug)
}

func TestMyDrops(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	note := upload(t, ts, map[string]string{"user_id": "u1", "is_note": "true", "notes": "groceries"}, "note.txt", "text/plain", []byte("milk"))
	file := upload(t, ts, map[string]string{"user_id": "u1"}, "a.bin", "application/octet-stream", []byte("abc"))

	resp, body := get(t, ts.URL+"/mydrops?user_id=u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Files []struct {
			Slug  string `json:"slug"`
			Type  string `json:"type"`
			Notes string `json:"notes"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Files, 2)
	bySlug := map[string]string{}
	for _, f := range listing.Files {
		bySlug[f.Slug] = f.Type
	}
	assert.Equal(t, "note", bySlug[note.Slug])
	assert.Equal(t, "file", bySlug[file.Slug])

	resp, body = get(t, ts.URL+"/note-content/"+note.Slug)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "milk", string(body))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	resp, _ = get(t, ts.URL+"/mydrops")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = del(t, ts.URL+"/mydrops/"+note.Slug+"?user_id=u1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = del(t, ts.URL+"/mydrops/"+note.Slug+"?user_id=u1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/file/"+note.Slug)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "removing a drop keeps the file")
}

func TestPublicLinks(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	up := upload(t, ts, map[string]string{"user_id": "u1"}, "report.pdf", "application/pdf", []byte("%PDF-"))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/file/"+up.Slug+"/publicize?user_id=u2", nil)
	require.NoError(t, err)
	resp, _ := do(t, req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, ts.URL+"/file/"+up.Slug+"/publicize?user_id=u1", nil)
	require.NoError(t, err)
	resp, body := do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var published PublishResponse
	require.NoError(t, json.Unmarshal(body, &published))
	require.NotEmpty(t, published.PublicSlug)
	assert.Equal(t, "/public/"+published.PublicSlug, published.PublicURL)

	resp, body = get(t, ts.URL+published.PublicURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-", string(body))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	resp, body = get(t, ts.URL+published.ProxyURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-", string(body))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, `inline; filename="report.pdf"`, resp.Header.Get("Content-Disposition"))

	resp, body = get(t, ts.URL+"/file/"+up.Slug)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info FileInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, published.PublicSlug, info.PublicSlug)

	// Above the single-object limit public links are refused.
	big := upload(t, ts, nil, "big.bin", "application/octet-stream", []byte("0123456789"))
	req, err = http.NewRequest(http.MethodPost, ts.URL+"/file/"+big.Slug+"/publicize", nil)
	require.NoError(t, err)
	resp, body = do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &published))
	resp, _ = get(t, ts.URL+"/public/"+published.PublicSlug)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/public-proxy/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadAutoAlias(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	resp, body := do(t, multipartRequest(t, ts.URL+"/upload-auto", nil, &filePart{"file", "a.txt", "text/plain", []byte("abc")}))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out UploadResponse
	require.NoError(t, json.Unmarshal(body, &out))

	resp, body = get(t, ts.URL+"/download/"+out.Slug)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", string(body))
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name, mimetype, want string
	}{
		{"report.pdf", "application/pdf", `inline; filename="report.pdf"`},
		{"../../etc/passwd", "text/plain", `attachment; filename="passwd"`},
		{`C:\Users\me\photo 1.jpg`, "image/jpeg", `attachment; filename="photo_1.jpg"`},
		{`evil".sh`, "", `attachment; filename="evil_.sh"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, contentDisposition(tt.name, tt.mimetype), tt.name)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{transfer.ErrInvalidSize, http.StatusBadRequest},
		{fmt.Errorf("store chunk 2: %w", transfer.ErrRemoteUnavailable), http.StatusBadGateway},
		{transfer.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: have 1 of 3 chunks", transfer.ErrIncompleteFile), http.StatusInternalServerError},
		{&transfer.ChecksumMismatchError{Index: 4}, http.StatusInternalServerError},
		{transfer.ErrFileConflict, http.StatusConflict},
		{transfer.ErrInvalidChunk, http.StatusBadRequest},
		{transfer.ErrExpired, http.StatusGone},
		{transfer.ErrDownloadLimit, http.StatusGone},
		{transfer.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("%w: 12 bytes", transfer.ErrTooLargeForPublic), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
