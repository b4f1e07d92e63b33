package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("dropshare-handlers")

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)

// ErrorResponse is the body of every failed request. FileID is set on
// failed uploads so the client can resume.
type ErrorResponse struct {
	Error  string `json:"error"`
	FileID string `json:"fileId,omitempty"`
}

// FileMeta is the public view of a file record.
type FileMeta struct {
	Name          string     `json:"name"`
	Size          int64      `json:"size"`
	Mimetype      string     `json:"mimetype"`
	CreatedAt     time.Time  `json:"created_at"`
	DownloadCount int64      `json:"download_count"`
	ExpiresAt     *time.Time `json:"expiry_at"`
}

func newFileMeta(f *models.File) FileMeta {
	return FileMeta{
		Name:          f.Name,
		Size:          f.Size,
		Mimetype:      f.Mimetype,
		CreatedAt:     f.CreatedAt,
		DownloadCount: f.DownloadCount,
		ExpiresAt:     f.ExpiresAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// errorStatus maps transfer errors onto HTTP status codes.
func errorStatus(err error) int {
	var mismatch *transfer.ChecksumMismatchError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, transfer.ErrInvalidSize), errors.Is(err, transfer.ErrInvalidChunk):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, transfer.ErrNotFound), errors.Is(err, transfer.ErrTooLargeForPublic):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrFileConflict):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrExpired), errors.Is(err, transfer.ErrDownloadLimit):
		return http.StatusGone
	case errors.Is(err, transfer.ErrRemoteUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, transfer.ErrIncompleteFile), errors.As(err, &mismatch):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// contentDisposition builds a header value from a sanitised basename. PDFs
// are shown inline, everything else is an attachment.
func contentDisposition(name, mimetype string) string {
	kind := "attachment"
	if mimetype == "application/pdf" {
		kind = "inline"
	}
	return dispositionAs(kind, name)
}

func dispositionAs(kind, name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(path.Base(strings.ReplaceAll(name, "\\", "/")), "_")
	return fmt.Sprintf("%s; filename=\"%s\"", kind, safe)
}

func writeFile(w http.ResponseWriter, file *models.File, data []byte) {
	writeFileWith(w, file, data, contentDisposition(file.Name, file.Mimetype))
}

// writeFileAs writes the file with a fixed disposition kind.
func writeFileAs(w http.ResponseWriter, file *models.File, data []byte, kind string) {
	writeFileWith(w, file, data, dispositionAs(kind, file.Name))
}

func writeFileWith(w http.ResponseWriter, file *models.File, data []byte, disposition string) {
	mimetype := file.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to stream file", zap.String("file_id", file.ID), zap.Error(err))
	}
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
