package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/maneesh/dropshare/internal/models"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChunkHandler accepts chunks sliced by the client
type ChunkHandler struct {
	service   *transfer.Service
	drops     DropStore
	maxUpload int64
	now       func() time.Time
}

// NewChunkHandler creates a new chunk handler. drops may be nil.
func NewChunkHandler(service *transfer.Service, drops DropStore, maxUpload int64) *ChunkHandler {
	return &ChunkHandler{
		service:   service,
		drops:     drops,
		maxUpload: maxUpload,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ChunkResponse acknowledges one chunk.
type ChunkResponse struct {
	Success    bool               `json:"success"`
	FileID     string             `json:"fileId"`
	Slug       string             `json:"slug"`
	ChunkIndex int                `json:"chunkIndex"`
	Stored     bool               `json:"stored"`
	Status     models.UploadState `json:"status"`
}

// ServeHTTP handles POST /upload-chunk
func (ch *ChunkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_chunk",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, ch.maxUpload+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, fmt.Sprintf("invalid chunk upload: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	fileID := r.FormValue("fileId")
	index, errIndex := strconv.Atoi(r.FormValue("chunkIndex"))
	total, errTotal := strconv.Atoi(r.FormValue("totalChunks"))
	fileSize, errSize := strconv.ParseInt(r.FormValue("fileSize"), 10, 64)
	if fileID == "" || errIndex != nil || errTotal != nil || errSize != nil {
		writeError(w, http.StatusBadRequest, "missing required fields or chunk file")
		return
	}
	if fileSize > ch.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file too large (max %d bytes)", ch.maxUpload))
		return
	}

	part, header, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing required fields or chunk file")
		return
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read chunk: %v", err))
		return
	}

	expiresAt, err := parseExpiry(r.FormValue("expiry_at"), r.FormValue("expiry_days"), ch.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mimetype := r.FormValue("mimetype")
	if mimetype == "" {
		mimetype = header.Header.Get("Content-Type")
	}
	name := r.FormValue("fileName")
	if name == "" {
		name = "chunk"
	}
	userID := r.FormValue("user_id")

	span.SetAttributes(
		attribute.String("file_id", fileID),
		attribute.Int("chunk_index", index),
		attribute.Int("total_chunks", total),
	)

	res, err := ch.service.UploadChunk(ctx, transfer.ChunkUpload{
		FileID:       fileID,
		Index:        index,
		TotalChunks:  total,
		Name:         name,
		Mimetype:     mimetype,
		DeclaredSize: fileSize,
		Checksum:     r.FormValue("checksum"),
		Data:         data,
		UploaderIP:   clientIP(r),
		OwnerID:      userID,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		span.RecordError(err)
		status := errorStatus(err)
		var mismatch *transfer.ChecksumMismatchError
		if errors.As(err, &mismatch) {
			// The client's bytes do not match the client's own checksum.
			status = http.StatusBadRequest
		}
		writeJSON(w, status, ErrorResponse{Error: fmt.Sprintf("chunk upload failed: %v", err), FileID: fileID})
		return
	}

	if res.Status == models.StateComplete {
		recordDrop(ctx, ch.drops, userID, res.File, r.FormValue("notes"), models.DropTypeFile)
	}

	writeJSON(w, http.StatusCreated, ChunkResponse{
		Success:    true,
		FileID:     res.FileID,
		Slug:       res.Slug,
		ChunkIndex: res.Index,
		Stored:     res.Stored,
		Status:     res.Status,
	})
}
