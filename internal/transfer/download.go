package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/maneesh/dropshare/internal/chunker"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DownloadOptions are caller-supplied download limits.
type DownloadOptions struct {
	// MaxDownloads rejects the download once the file has been served this
	// many times. Zero means unlimited.
	MaxDownloads int64
}

// Reassemble returns the exact bytes uploaded for fileID. Completeness is
// derived from the chunk ledger, not the file's upload state, and every
// chunk is verified against its recorded checksum. On any failure no bytes
// are returned.
func (s *Service) Reassemble(ctx context.Context, fileID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "transfer.reassemble",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	file, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, notFound(err)
	}

	data, err := s.reassembleFile(ctx, file)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return data, nil
}

// Download serves a file by slug, enforcing expiry and the caller's
// download limit, and counts the download once the bytes are verified.
func (s *Service) Download(ctx context.Context, slug string, opts DownloadOptions) (*models.File, []byte, error) {
	ctx, span := tracer.Start(ctx, "transfer.download",
		trace.WithAttributes(
			attribute.String("slug", slug),
		),
	)
	defer span.End()

	file, err := s.files.GetFileBySlug(ctx, slug)
	if err != nil {
		return nil, nil, notFound(err)
	}
	return s.deliver(ctx, file, opts)
}

// DownloadByID is Download addressed by internal file id.
func (s *Service) DownloadByID(ctx context.Context, fileID string, opts DownloadOptions) (*models.File, []byte, error) {
	ctx, span := tracer.Start(ctx, "transfer.download_by_id",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	file, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, notFound(err)
	}
	return s.deliver(ctx, file, opts)
}

func (s *Service) deliver(ctx context.Context, file *models.File, opts DownloadOptions) (*models.File, []byte, error) {
	if file.Expired(s.now()) {
		return nil, nil, ErrExpired
	}
	if opts.MaxDownloads > 0 && file.DownloadCount >= opts.MaxDownloads {
		return nil, nil, ErrDownloadLimit
	}

	data, err := s.reassembleFile(ctx, file)
	if err != nil {
		logger.Error("download failed",
			zap.String("file_id", file.ID),
			zap.String("slug", file.Slug),
			zap.Error(err),
		)
		return nil, nil, err
	}

	if err := s.files.IncrementDownloadCount(ctx, file.ID); err != nil {
		logger.Warn("failed to count download", zap.String("file_id", file.ID), zap.Error(err))
	} else {
		file.DownloadCount++
	}
	s.invalidate(ctx, file.Slug)

	return file, data, nil
}

func (s *Service) reassembleFile(ctx context.Context, file *models.File) ([]byte, error) {
	if !file.IsChunked {
		return s.fetchSingle(ctx, file)
	}

	chunks, err := s.ledger.ListChunks(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk ledger: %w", err)
	}
	if len(chunks) != file.TotalChunks {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrIncompleteFile, len(chunks), file.TotalChunks)
	}
	var recorded int64
	for i, c := range chunks {
		if c.Index != i {
			return nil, fmt.Errorf("%w: chunk %d missing", ErrIncompleteFile, i)
		}
		recorded += c.Size
	}
	if recorded != file.Size {
		return nil, fmt.Errorf("%w: chunks hold %d of %d bytes", ErrIncompleteFile, recorded, file.Size)
	}

	parts, err := s.fetchChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}
	return chunker.ReassembleChunks(parts), nil
}

func (s *Service) fetchSingle(ctx context.Context, file *models.File) ([]byte, error) {
	if file.ObjectRef == "" {
		return nil, fmt.Errorf("%w: no stored object", ErrIncompleteFile)
	}
	data, err := s.fetchObject(ctx, file.ObjectRef)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	if int64(len(data)) != file.Size {
		return nil, sizeMismatch(0, len(data), file.Size)
	}
	if file.Checksum != "" && !chunker.VerifyChunkHash(data, file.Checksum) {
		return nil, &ChecksumMismatchError{Index: 0}
	}
	return data, nil
}

// fetchChunks downloads and verifies chunks with at most FetchConcurrency
// requests in flight. Parts are placed by position so the result is always
// in ascending index order. After a failure no higher index is started, and
// the failure with the lowest index is returned.
func (s *Service) fetchChunks(ctx context.Context, chunks []*models.Chunk) ([][]byte, error) {
	parts := make([][]byte, len(chunks))
	errs := make([]error, len(chunks))

	var mu sync.Mutex
	firstFailed := len(chunks)
	failedBefore := func(i int) bool {
		mu.Lock()
		defer mu.Unlock()
		return firstFailed < i
	}

	var g errgroup.Group
	g.SetLimit(s.opts.FetchConcurrency)
	for i, c := range chunks {
		if ctx.Err() != nil || failedBefore(i) {
			break
		}
		i, c := i, c
		g.Go(func() error {
			if ctx.Err() != nil || failedBefore(i) {
				return nil
			}
			data, err := s.fetchChunk(ctx, c)
			if err != nil {
				errs[i] = err
				mu.Lock()
				firstFailed = min(firstFailed, i)
				mu.Unlock()
				return nil
			}
			parts[i] = data
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return parts, nil
}

func (s *Service) fetchChunk(ctx context.Context, c *models.Chunk) ([]byte, error) {
	data, err := s.fetchObject(ctx, c.ObjectRef)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %d: %w", c.Index, err)
	}
	if int64(len(data)) != c.Size {
		return nil, sizeMismatch(c.Index, len(data), c.Size)
	}
	if !chunker.VerifyChunkHash(data, c.Checksum) {
		return nil, &ChecksumMismatchError{Index: c.Index}
	}
	return data, nil
}

func sizeMismatch(index, got int, want int64) error {
	return fmt.Errorf("%w: got %d bytes, recorded %d", &ChecksumMismatchError{Index: index}, got, want)
}

// fetchObject resolves a fresh locator and fetches through it. Locators are
// short-lived and never stored.
func (s *Service) fetchObject(ctx context.Context, objectRef string) ([]byte, error) {
	locator, err := s.blobs.Resolve(ctx, objectRef)
	if err != nil {
		return nil, remoteErr(err)
	}
	data, err := s.blobs.Fetch(ctx, locator)
	if err != nil {
		return nil, remoteErr(err)
	}
	return data, nil
}
