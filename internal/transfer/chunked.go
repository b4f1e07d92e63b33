package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maneesh/dropshare/internal/chunker"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ChunkUpload is one client-sliced chunk. Chunks may arrive in any order;
// the first one seen creates the file record.
type ChunkUpload struct {
	FileID       string
	Index        int
	TotalChunks  int
	Name         string
	Mimetype     string
	DeclaredSize int64
	Checksum     string
	Data         []byte
	UploaderIP   string
	OwnerID      string
	ExpiresAt    *time.Time
}

// ChunkResult reports the outcome of a single chunk upload.
type ChunkResult struct {
	FileID string             `json:"fileId"`
	Slug   string             `json:"slug"`
	Index  int                `json:"chunkIndex"`
	Stored bool               `json:"stored"`
	Status models.UploadState `json:"status"`
	File   *models.File       `json:"-"`
}

// UploadChunk accepts a single chunk sliced by the client. The payload is
// verified against the client's checksum before anything is stored. The file
// is marked complete when the chunk with the last index is recorded; whether
// every other index arrived is checked at download time.
func (s *Service) UploadChunk(ctx context.Context, req ChunkUpload) (*ChunkResult, error) {
	ctx, span := tracer.Start(ctx, "transfer.upload_chunk",
		trace.WithAttributes(
			attribute.String("file_id", req.FileID),
			attribute.Int("chunk_index", req.Index),
			attribute.Int("total_chunks", req.TotalChunks),
		),
	)
	defer span.End()

	req.Checksum = strings.ToLower(strings.TrimSpace(req.Checksum))
	switch {
	case req.FileID == "":
		return nil, fmt.Errorf("%w: missing file id", ErrInvalidChunk)
	case req.TotalChunks <= 0:
		return nil, fmt.Errorf("%w: total chunks must be positive", ErrInvalidChunk)
	case req.Index < 0 || req.Index >= req.TotalChunks:
		return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrInvalidChunk, req.Index, req.TotalChunks)
	case len(req.Data) == 0:
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidChunk)
	case req.Checksum == "":
		return nil, fmt.Errorf("%w: missing checksum", ErrInvalidChunk)
	case req.DeclaredSize <= 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, req.DeclaredSize)
	case int64(len(req.Data)) > req.DeclaredSize:
		return nil, fmt.Errorf("%w: %d byte chunk exceeds file size %d", ErrInvalidChunk, len(req.Data), req.DeclaredSize)
	}

	if !chunker.VerifyChunkHash(req.Data, req.Checksum) {
		err := &ChecksumMismatchError{Index: req.Index}
		span.RecordError(err)
		return nil, err
	}

	file, _, err := s.ensureFile(ctx, &models.File{
		ID:          req.FileID,
		Name:        req.Name,
		Size:        req.DeclaredSize,
		Mimetype:    req.Mimetype,
		UploaderIP:  req.UploaderIP,
		OwnerID:     req.OwnerID,
		IsChunked:   true,
		TotalChunks: req.TotalChunks,
		UploadState: models.StateUploading,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   s.now(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !file.IsChunked || file.TotalChunks != req.TotalChunks || file.Size != req.DeclaredSize {
		return nil, fmt.Errorf("%w: %s", ErrFileConflict, file.ID)
	}

	recorded, err := s.ledger.HasChunk(ctx, file.ID, req.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk ledger: %w", err)
	}
	if !recorded {
		if err := s.storeChunk(ctx, file, req.Index, req.Data, req.Checksum); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	if req.Index == file.TotalChunks-1 {
		if err := s.files.MarkComplete(ctx, file.ID); err != nil {
			return nil, fmt.Errorf("failed to mark file complete: %w", err)
		}
		file.UploadState = models.StateComplete
		s.invalidate(ctx, file.Slug)
		logger.Info("final chunk received",
			zap.String("file_id", file.ID),
			zap.String("slug", file.Slug),
			zap.Int("total_chunks", file.TotalChunks),
		)
	}

	return &ChunkResult{
		FileID: file.ID,
		Slug:   file.Slug,
		Index:  req.Index,
		Stored: !recorded,
		Status: file.UploadState,
		File:   file,
	}, nil
}
