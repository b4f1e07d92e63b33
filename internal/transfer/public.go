package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"github.com/maneesh/dropshare/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publicize gives the file addressed by slug a public link slug, creating
// one on first use. Files with an owner may only be published by that owner.
func (s *Service) Publicize(ctx context.Context, slug, requesterID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "transfer.publicize",
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
	if file.PublicSlug != "" {
		return file, nil
	}

	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		publicSlug, err := s.newSlug()
		if err != nil {
			return nil, err
		}

		set, err := s.files.SetPublicSlug(ctx, file.ID, publicSlug)
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		} else if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to set public slug: %w", err)
		}

		if set {
			file.PublicSlug = publicSlug
			s.invalidate(ctx, file.Slug)
			logger.Info("file published",
				zap.String("file_id", file.ID),
				zap.String("slug", file.Slug),
				zap.String("public_slug", publicSlug),
			)
			return file, nil
		}

		// A concurrent request published it first.
		current, err := s.files.GetFile(ctx, file.ID)
		if err != nil {
			return nil, notFound(err)
		}
		return current, nil
	}
	return nil, errors.New("failed to allocate a unique public slug")
}

// PublicDownload serves a file through its public link. Only files up to the
// single-object limit are served this way.
func (s *Service) PublicDownload(ctx context.Context, publicSlug string) (*models.File, []byte, error) {
	ctx, span := tracer.Start(ctx, "transfer.public_download",
		trace.WithAttributes(
			attribute.String("public_slug", publicSlug),
		),
	)
	defer span.End()

	file, err := s.files.GetFileByPublicSlug(ctx, publicSlug)
	if err != nil {
		return nil, nil, notFound(err)
	}
	if file.Size > s.opts.DirectUploadMax {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrTooLargeForPublic, file.Size)
	}
	return s.deliver(ctx, file, DownloadOptions{})
}
