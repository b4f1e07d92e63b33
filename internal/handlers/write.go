package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WriteHandler handles raw-body file uploads
type WriteHandler struct {
	service   *transfer.Service
	maxUpload int64
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(service *transfer.Service, maxUpload int64) *WriteHandler {
	return &WriteHandler{
		service:   service,
		maxUpload: maxUpload,
	}
}

// WriteResponse represents the response for a write operation
type WriteResponse struct {
	FileID     string `json:"file_id"`
	Slug       string `json:"slug"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	IsChunked  bool   `json:"is_chunked"`
	ChunkCount int    `json:"chunk_count"`
	Message    string `json:"message"`
}

// ServeHTTP handles PUT /write?name=filename[&file_id=id]
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "write_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	// Get filename from query parameter
	filename := r.URL.Query().Get("name")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "missing 'name' query parameter")
		return
	}
	if r.ContentLength > wh.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file too large (max %d bytes)", wh.maxUpload))
		return
	}

	fileID := r.URL.Query().Get("file_id")
	if fileID == "" {
		fileID = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("file_name", filename),
		attribute.String("file_id", fileID),
	)

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, wh.maxUpload))
	if err != nil {
		span.RecordError(err)
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file too large (max %d bytes)", wh.maxUpload))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	// A known Content-Length is the declared size; the body must match it.
	declared := r.ContentLength
	if declared < 0 {
		declared = int64(len(data))
	}

	mimetype := r.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}

	res, err := wh.service.Upload(ctx, transfer.UploadRequest{
		FileID:       fileID,
		Name:         filename,
		Mimetype:     mimetype,
		DeclaredSize: declared,
		Data:         data,
		UploaderIP:   clientIP(r),
	})
	if err != nil {
		span.RecordError(err)
		writeJSON(w, errorStatus(err), ErrorResponse{Error: fmt.Sprintf("failed to upload file: %v", err), FileID: fileID})
		return
	}

	span.SetAttributes(
		attribute.Int64("file_size", declared),
		attribute.Int("chunk_count", res.TotalChunks),
	)

	writeJSON(w, http.StatusCreated, WriteResponse{
		FileID:     res.FileID,
		Slug:       res.Slug,
		FileName:   filename,
		FileSize:   declared,
		IsChunked:  res.IsChunked,
		ChunkCount: res.TotalChunks,
		Message:    "File uploaded successfully",
	})

	logger.Info("file write completed",
		zap.String("file_name", filename),
		zap.String("file_id", res.FileID),
	)
}
