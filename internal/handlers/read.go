package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ReadHandler handles file download requests by internal file id
type ReadHandler struct {
	service *transfer.Service
}

// NewReadHandler creates a new read handler
func NewReadHandler(service *transfer.Service) *ReadHandler {
	return &ReadHandler{service: service}
}

// ServeHTTP handles GET /read/{file_id}
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	// Get file ID from URL path
	fileID := mux.Vars(r)["file_id"]
	if fileID == "" {
		writeError(w, http.StatusBadRequest, "missing file_id in path")
		return
	}
	span.SetAttributes(attribute.String("file_id", fileID))

	file, data, err := rh.service.DownloadByID(ctx, fileID, transfer.DownloadOptions{})
	if err != nil {
		span.RecordError(err)
		writeError(w, errorStatus(err), fmt.Sprintf("failed to read file: %v", err))
		return
	}

	span.SetAttributes(
		attribute.String("file_name", file.Name),
		attribute.Int64("file_size", file.Size),
		attribute.Int("chunk_count", file.TotalChunks),
	)
	writeFile(w, file, data)

	logger.Info("file read completed", zap.String("file_name", file.Name), zap.String("file_id", fileID))
}

// DownloadHandler handles file downloads by slug
type DownloadHandler struct {
	service *transfer.Service
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(service *transfer.Service) *DownloadHandler {
	return &DownloadHandler{service: service}
}

// ServeHTTP handles GET /download/{slug}[?max_downloads=N]
func (dh *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "download_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	slug := mux.Vars(r)["slug"]
	span.SetAttributes(attribute.String("slug", slug))

	var opts transfer.DownloadOptions
	if raw := r.URL.Query().Get("max_downloads"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_downloads")
			return
		}
		opts.MaxDownloads = n
	}

	file, data, err := dh.service.Download(ctx, slug, opts)
	if err != nil {
		span.RecordError(err)
		writeError(w, errorStatus(err), fmt.Sprintf("failed to download file: %v", err))
		return
	}

	writeFile(w, file, data)
}

// NoteHandler serves note contents as plain text
type NoteHandler struct {
	service *transfer.Service
}

// NewNoteHandler creates a new note handler
func NewNoteHandler(service *transfer.Service) *NoteHandler {
	return &NoteHandler{service: service}
}

// ServeHTTP handles GET /note-content/{slug}
func (nh *NoteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "note_content",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	slug := mux.Vars(r)["slug"]
	span.SetAttributes(attribute.String("slug", slug))

	file, err := nh.service.Lookup(ctx, slug)
	if err != nil {
		writeError(w, errorStatus(err), fmt.Sprintf("failed to fetch note content: %v", err))
		return
	}
	if file.Expired(nh.service.Now()) {
		writeError(w, http.StatusGone, "failed to fetch note content: "+transfer.ErrExpired.Error())
		return
	}

	data, err := nh.service.Reassemble(ctx, file.ID)
	if err != nil {
		span.RecordError(err)
		writeError(w, errorStatus(err), fmt.Sprintf("failed to fetch note content: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
