package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/maneesh/dropshare/internal/blobstore"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Delete removes the file addressed by slug on behalf of requesterID.
// Files with an owner may only be deleted by that owner.
func (s *Service) Delete(ctx context.Context, slug, requesterID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "transfer.delete",
		trace.WithAttributes(
			attribute.String("slug", slug),
		),
	)
	defer span.End()

	file, err := s.files.GetFileBySlug(ctx, slug)
	if err != nil {
		return nil, notFound(err)
	}
	if file.OwnerID != "" && file.OwnerID != requesterID {
		return nil, ErrForbidden
	}

	if err := s.deleteFile(ctx, file); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return file, nil
}

// DeleteExpired removes up to limit files whose expiry lies before now and
// returns how many were deleted.
func (s *Service) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "transfer.delete_expired",
		trace.WithAttributes(
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	files, err := s.files.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired files: %w", err)
	}

	var result *multierror.Error
	deleted := 0
	for _, file := range files {
		if err := s.deleteFile(ctx, file); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			result = multierror.Append(result, fmt.Errorf("file %s: %w", file.ID, err))
			continue
		}
		deleted++
	}

	span.SetAttributes(attribute.Int("deleted", deleted))
	return deleted, result.ErrorOrNil()
}

// deleteFile removes the remote objects of a file, then its chunk and file
// records. Remote cleanup is best-effort: failures are logged and never
// prevent the metadata from being deleted.
func (s *Service) deleteFile(ctx context.Context, file *models.File) error {
	var locations []string
	if file.IsChunked {
		chunks, err := s.ledger.ListChunks(ctx, file.ID)
		if err != nil {
			return fmt.Errorf("failed to read chunk ledger: %w", err)
		}
		for _, c := range chunks {
			locations = append(locations, c.LocationRef)
		}
	} else if file.LocationRef != "" {
		locations = append(locations, file.LocationRef)
	}

	var cleanup *multierror.Error
	for _, loc := range locations {
		if err := s.blobs.Delete(ctx, loc); err != nil && !errors.Is(err, blobstore.ErrObjectNotFound) {
			cleanup = multierror.Append(cleanup, err)
		}
	}
	if err := cleanup.ErrorOrNil(); err != nil {
		logger.Warn("remote cleanup incomplete",
			zap.String("file_id", file.ID),
			zap.Int("objects", len(locations)),
			zap.Int("failures", len(cleanup.Errors)),
			zap.Error(err),
		)
	}

	if err := s.files.DeleteFile(ctx, file.ID); err != nil {
		return notFound(err)
	}
	s.invalidate(ctx, file.Slug)

	logger.Info("file deleted",
		zap.String("file_id", file.ID),
		zap.String("slug", file.Slug),
		zap.Int("objects", len(locations)),
	)
	return nil
}
