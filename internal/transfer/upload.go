package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/maneesh/dropshare/internal/chunker"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// UploadRequest is a whole-buffer upload. FileID is optional; re-submitting
// with the same FileID resumes a previous attempt.
type UploadRequest struct {
	FileID       string
	Name         string
	Mimetype     string
	DeclaredSize int64
	Data         []byte
	UploaderIP   string
	OwnerID      string
	ExpiresAt    *time.Time
}

// UploadResult describes the stored file.
type UploadResult struct {
	FileID       string             `json:"fileId"`
	Slug         string             `json:"slug"`
	Status       models.UploadState `json:"status"`
	IsChunked    bool               `json:"is_chunked"`
	TotalChunks  int                `json:"total_chunks"`
	StoredChunks int                `json:"stored_chunks"`
	File         *models.File       `json:"-"`
}

// Upload stores a file, chunking it when it exceeds the direct upload
// threshold. Chunks are stored strictly in ascending order, one at a time,
// and indices already present in the ledger are skipped. The first store
// failure aborts the run and leaves the file in the uploading state.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ctx, span := tracer.Start(ctx, "transfer.upload",
		trace.WithAttributes(
			attribute.String("file_id", req.FileID),
			attribute.String("filename", req.Name),
			attribute.Int64("declared_size", req.DeclaredSize),
		),
	)
	defer span.End()

	if req.DeclaredSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, req.DeclaredSize)
	}
	if int64(len(req.Data)) != req.DeclaredSize {
		return nil, fmt.Errorf("%w: declared %d bytes, received %d", ErrInvalidSize, req.DeclaredSize, len(req.Data))
	}
	if req.FileID == "" {
		req.FileID = s.newID()
	}

	isChunked := req.DeclaredSize > s.opts.DirectUploadMax
	totalChunks := 1
	if isChunked {
		totalChunks = s.chunker.TotalChunks(req.DeclaredSize)
	}
	span.SetAttributes(
		attribute.Bool("is_chunked", isChunked),
		attribute.Int("total_chunks", totalChunks),
	)

	file, created, err := s.ensureFile(ctx, &models.File{
		ID:          req.FileID,
		Name:        req.Name,
		Size:        req.DeclaredSize,
		Mimetype:    req.Mimetype,
		UploaderIP:  req.UploaderIP,
		OwnerID:     req.OwnerID,
		IsChunked:   isChunked,
		TotalChunks: totalChunks,
		UploadState: models.StateUploading,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   s.now(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !created {
		if file.Size != req.DeclaredSize || file.IsChunked != isChunked || file.TotalChunks != totalChunks {
			return nil, fmt.Errorf("%w: %s", ErrFileConflict, file.ID)
		}
		logger.Info("resuming upload",
			zap.String("file_id", file.ID),
			zap.String("state", string(file.UploadState)),
		)
	}

	var stored int
	if isChunked {
		stored, err = s.uploadChunks(ctx, file, req.Data)
	} else {
		stored, err = s.uploadSingle(ctx, file, req.Data)
	}
	if err != nil {
		span.RecordError(err)
		logger.Error("upload aborted",
			zap.String("file_id", file.ID),
			zap.Int("stored_chunks", stored),
			zap.Error(err),
		)
		return nil, err
	}

	file.UploadState = models.StateComplete
	s.invalidate(ctx, file.Slug)

	logger.Info("upload complete",
		zap.String("file_id", file.ID),
		zap.String("slug", file.Slug),
		zap.Bool("is_chunked", isChunked),
		zap.Int("total_chunks", totalChunks),
		zap.Int("stored_chunks", stored),
	)

	return &UploadResult{
		FileID:       file.ID,
		Slug:         file.Slug,
		Status:       file.UploadState,
		IsChunked:    isChunked,
		TotalChunks:  totalChunks,
		StoredChunks: stored,
		File:         file,
	}, nil
}

func (s *Service) uploadSingle(ctx context.Context, file *models.File, data []byte) (int, error) {
	stored := 0
	if file.ObjectRef == "" {
		checksum := chunker.ComputeHash(data)
		ref, err := s.blobs.Store(ctx, data, file.Name, file.Mimetype)
		if err != nil {
			return 0, fmt.Errorf("store file: %w", remoteErr(err))
		}
		set, err := s.files.SetObject(ctx, file.ID, ref, checksum)
		if err != nil {
			return 0, fmt.Errorf("failed to record object: %w", err)
		}
		if set {
			file.ObjectRef, file.LocationRef, file.Checksum = ref.ObjectRef, ref.LocationRef, checksum
			stored = 1
		} else {
			// Another upload of this file recorded its object first.
			s.discard(ctx, ref.LocationRef)
			current, err := s.files.GetFile(ctx, file.ID)
			if err != nil {
				return 0, fmt.Errorf("failed to reload file record: %w", notFound(err))
			}
			file.ObjectRef, file.LocationRef, file.Checksum = current.ObjectRef, current.LocationRef, current.Checksum
		}
	}

	if err := s.files.MarkComplete(ctx, file.ID); err != nil {
		return stored, fmt.Errorf("failed to mark file complete: %w", err)
	}
	return stored, nil
}

func (s *Service) uploadChunks(ctx context.Context, file *models.File, data []byte) (int, error) {
	existing, err := s.ledger.ListChunks(ctx, file.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to read chunk ledger: %w", err)
	}
	recorded := make(map[int]bool, len(existing))
	for _, c := range existing {
		recorded[c.Index] = true
	}

	stored := 0
	for index := 0; index < file.TotalChunks; index++ {
		if recorded[index] {
			continue
		}
		payload := s.chunker.Slice(data, index)
		if err := s.storeChunk(ctx, file, index, payload, chunker.ComputeHash(payload)); err != nil {
			return stored, err
		}
		stored++
	}

	if err := s.files.MarkComplete(ctx, file.ID); err != nil {
		return stored, fmt.Errorf("failed to mark file complete: %w", err)
	}
	return stored, nil
}

// storeChunk pushes one chunk to the blob store and records it. When another
// writer recorded the index first, the object just stored is unreferenced and
// gets discarded.
func (s *Service) storeChunk(ctx context.Context, file *models.File, index int, payload []byte, checksum string) error {
	ctx, span := tracer.Start(ctx, "transfer.store_chunk",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.Int("chunk_index", index),
			attribute.Int("chunk_size", len(payload)),
		),
	)
	defer span.End()

	ref, err := s.blobs.Store(ctx, payload, fmt.Sprintf("%s.part%d", file.Name, index), file.Mimetype)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("store chunk %d: %w", index, remoteErr(err))
	}

	inserted, err := s.ledger.UpsertChunk(ctx, &models.Chunk{
		FileID:      file.ID,
		Index:       index,
		ObjectRef:   ref.ObjectRef,
		LocationRef: ref.LocationRef,
		Size:        int64(len(payload)),
		Checksum:    checksum,
		CreatedAt:   s.now(),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("record chunk %d: %w", index, err)
	}
	if !inserted {
		span.SetAttributes(attribute.Bool("duplicate", true))
		s.discard(ctx, ref.LocationRef)
	}
	return nil
}
