package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FileInfo is the response for GET /file/{slug}.
type FileInfo struct {
	FileMeta
	Slug        string             `json:"slug"`
	Status      models.UploadState `json:"status"`
	IsChunked   bool               `json:"is_chunked"`
	TotalChunks int                `json:"total_chunks"`
	DownloadURL string             `json:"download_url"`
	PublicSlug  string             `json:"public_slug,omitempty"`
}

// FileHandler serves file metadata and deletion by slug
type FileHandler struct {
	service *transfer.Service
	drops   DropStore
}

// NewFileHandler creates a new file handler. drops may be nil.
func NewFileHandler(service *transfer.Service, drops DropStore) *FileHandler {
	return &FileHandler{service: service, drops: drops}
}

// Info handles GET /file/{slug}
func (fh *FileHandler) Info(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "file_info",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	slug := mux.Vars(r)["slug"]
	span.SetAttributes(attribute.String("slug", slug))

	file, err := fh.service.Lookup(ctx, slug)
	if err != nil {
		writeError(w, errorStatus(err), fmt.Sprintf("failed to fetch file info: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, FileInfo{
		FileMeta:    newFileMeta(file),
		Slug:        file.Slug,
		Status:      file.UploadState,
		IsChunked:   file.IsChunked,
		TotalChunks: file.TotalChunks,
		DownloadURL: "/download/" + file.Slug,
		PublicSlug:  file.PublicSlug,
	})
}

// Delete handles DELETE /file/{slug}?user_id=
func (fh *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	slug := mux.Vars(r)["slug"]
	userID := r.URL.Query().Get("user_id")
	span.SetAttributes(attribute.String("slug", slug))

	file, err := fh.service.Delete(ctx, slug, userID)
	if err != nil {
		span.RecordError(err)
		writeError(w, errorStatus(err), fmt.Sprintf("failed to delete file: %v", err))
		return
	}

	owner := file.OwnerID
	if owner == "" {
		owner = userID
	}
	if fh.drops != nil && owner != "" {
		if _, err := fh.drops.RemoveDrop(ctx, owner, slug); err != nil {
			logger.Warn("failed to remove drop", zap.String("user_id", owner), zap.String("slug", slug), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DropsHandler serves per-user drop listings
type DropsHandler struct {
	drops DropStore
}

// NewDropsHandler creates a new drops handler
func NewDropsHandler(drops DropStore) *DropsHandler {
	return &DropsHandler{drops: drops}
}

// List handles GET /mydrops?user_id=
func (dh *DropsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_drops",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	drops, err := dh.drops.ListDrops(ctx, userID)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to fetch user files: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*models.UserDrop{"files": drops})
}

// Remove handles DELETE /mydrops/{slug}?user_id=. Only the listing entry is
// removed; the file itself is untouched.
func (dh *DropsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "remove_drop",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	slug := mux.Vars(r)["slug"]
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	removed, err := dh.drops.RemoveDrop(ctx, userID, slug)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to delete user file: %v", err))
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "drop not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
