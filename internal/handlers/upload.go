package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const multipartMemory = 32 << 20

// DropStore keeps per-user "my drops" listings.
type DropStore interface {
	AddDrop(ctx context.Context, drop *models.UserDrop) error
	ListDrops(ctx context.Context, userID string) ([]*models.UserDrop, error)
	RemoveDrop(ctx context.Context, userID, slug string) (bool, error)
}

// UploadHandler handles multipart file and note uploads
type UploadHandler struct {
	service   *transfer.Service
	drops     DropStore
	maxUpload int64
	now       func() time.Time
}

// NewUploadHandler creates a new upload handler. drops may be nil.
func NewUploadHandler(service *transfer.Service, drops DropStore, maxUpload int64) *UploadHandler {
	return &UploadHandler{
		service:   service,
		drops:     drops,
		maxUpload: maxUpload,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UploadResponse describes a stored upload.
type UploadResponse struct {
	FileID       string             `json:"fileId"`
	Slug         string             `json:"slug"`
	Status       models.UploadState `json:"status"`
	IsChunked    bool               `json:"is_chunked"`
	TotalChunks  int                `json:"total_chunks"`
	StoredChunks int                `json:"stored_chunks"`
	File         FileMeta           `json:"file"`
}

// ServeHTTP handles POST /upload
func (uh *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, uh.maxUpload+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	part, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer part.Close()

	if header.Size > uh.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file too large (max %d bytes)", uh.maxUpload))
		return
	}

	expiresAt, err := parseExpiry(r.FormValue("expiry_at"), r.FormValue("expiry_days"), uh.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(part)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	fileID := r.FormValue("file_id")
	if fileID == "" {
		fileID = uuid.New().String()
	}
	mimetype := header.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	userID := r.FormValue("user_id")

	span.SetAttributes(
		attribute.String("file_id", fileID),
		attribute.String("file_name", header.Filename),
		attribute.Int64("file_size", header.Size),
	)

	res, err := uh.service.Upload(ctx, transfer.UploadRequest{
		FileID:       fileID,
		Name:         header.Filename,
		Mimetype:     mimetype,
		DeclaredSize: header.Size,
		Data:         data,
		UploaderIP:   clientIP(r),
		OwnerID:      userID,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		span.RecordError(err)
		writeJSON(w, errorStatus(err), ErrorResponse{Error: fmt.Sprintf("upload failed: %v", err), FileID: fileID})
		return
	}

	dropType := models.DropTypeFile
	if r.FormValue("is_note") == "true" {
		dropType = models.DropTypeNote
	}
	recordDrop(ctx, uh.drops, userID, res.File, r.FormValue("notes"), dropType)

	writeJSON(w, http.StatusCreated, UploadResponse{
		FileID:       res.FileID,
		Slug:         res.Slug,
		Status:       res.Status,
		IsChunked:    res.IsChunked,
		TotalChunks:  res.TotalChunks,
		StoredChunks: res.StoredChunks,
		File:         newFileMeta(res.File),
	})
}

// parseExpiry accepts an absolute RFC 3339 timestamp or a number of days
// from now. Both empty means the file never expires.
func parseExpiry(expiryAt, expiryDays string, now time.Time) (*time.Time, error) {
	if expiryAt != "" {
		t, err := time.Parse(time.RFC3339, expiryAt)
		if err != nil {
			t, err = time.Parse(time.DateOnly, expiryAt)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid expiry_at %q", expiryAt)
		}
		t = t.UTC()
		return &t, nil
	}
	if expiryDays != "" {
		days, err := strconv.ParseFloat(expiryDays, 64)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("invalid expiry_days %q", expiryDays)
		}
		t := now.Add(time.Duration(days * float64(24*time.Hour)))
		return &t, nil
	}
	return nil, nil
}

// recordDrop adds the file to the uploader's listing. The upload already
// succeeded, so failures are only logged.
func recordDrop(ctx context.Context, drops DropStore, userID string, file *models.File, notes string, dropType models.DropType) {
	if drops == nil || userID == "" || file == nil {
		return
	}
	err := drops.AddDrop(ctx, &models.UserDrop{
		UserID:    userID,
		Slug:      file.Slug,
		Name:      file.Name,
		Mimetype:  file.Mimetype,
		Size:      file.Size,
		Notes:     notes,
		Type:      dropType,
		CreatedAt: file.CreatedAt,
	})
	if err != nil {
		logger.Warn("failed to record drop",
			zap.String("user_id", userID),
			zap.String("slug", file.Slug),
			zap.Error(err),
		)
	}
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}
