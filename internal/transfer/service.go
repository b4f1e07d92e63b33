// Package transfer implements the chunked upload and verified reassembly of
// files on top of a blob store, a chunk ledger and file records.
//
// Uploads are sequential and resumable: re-submitting a file under the same
// id stores only the chunk indices the ledger does not hold yet. Downloads
// re-derive completeness from the ledger rather than trusting the file's
// upload state, verify every chunk checksum, and never return partial bytes.
package transfer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/dropshare/internal/blobstore"
	"github.com/maneesh/dropshare/internal/chunker"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/models"
	"github.com/maneesh/dropshare/internal/storage"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("dropshare-transfer")

const maxSlugAttempts = 5

// FileStore persists file records.
type FileStore interface {
	CreateFile(ctx context.Context, file *models.File) (bool, error)
	GetFile(ctx context.Context, fileID string) (*models.File, error)
	GetFileBySlug(ctx context.Context, slug string) (*models.File, error)
	GetFileByPublicSlug(ctx context.Context, publicSlug string) (*models.File, error)
	MarkComplete(ctx context.Context, fileID string) error
	SetObject(ctx context.Context, fileID string, ref models.RemoteRef, checksum string) (bool, error)
	SetPublicSlug(ctx context.Context, fileID, publicSlug string) (bool, error)
	IncrementDownloadCount(ctx context.Context, fileID string) error
	DeleteFile(ctx context.Context, fileID string) error
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.File, error)
}

// Ledger persists chunk records keyed by (file_id, chunk_index).
type Ledger interface {
	UpsertChunk(ctx context.Context, chunk *models.Chunk) (bool, error)
	ListChunks(ctx context.Context, fileID string) ([]*models.Chunk, error)
	CountChunks(ctx context.Context, fileID string) (int, error)
	HasChunk(ctx context.Context, fileID string, index int) (bool, error)
}

// MetadataCache caches file records by slug. A miss returns (nil, nil).
type MetadataCache interface {
	GetFile(ctx context.Context, slug string) (*models.File, error)
	SetFile(ctx context.Context, file *models.File) error
	InvalidateFile(ctx context.Context, slug string) error
}

// Options tune chunking and download behaviour.
type Options struct {
	// ChunkSize is the size of every chunk but the last.
	ChunkSize int64
	// DirectUploadMax is the largest file stored as a single object. It also
	// caps files served through public links.
	DirectUploadMax int64
	// FetchConcurrency caps parallel chunk fetches during reassembly.
	FetchConcurrency int
}

// Service drives uploads, downloads and deletions.
type Service struct {
	files   FileStore
	ledger  Ledger
	blobs   blobstore.Store
	cache   MetadataCache
	chunker *chunker.Chunker
	opts    Options

	now     func() time.Time
	newID   func() string
	newSlug func() (string, error)
}

// NewService wires a Service. cache may be nil.
func NewService(files FileStore, ledger Ledger, blobs blobstore.Store, cache MetadataCache, opts Options) *Service {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 1
	}
	return &Service{
		files:   files,
		ledger:  ledger,
		blobs:   blobs,
		cache:   cache,
		chunker: chunker.NewChunker(opts.ChunkSize),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
		newSlug: NewSlug,
	}
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// NewSlug returns a short random public token: 6 random bytes, base64url.
func NewSlug() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate slug: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Lookup returns file metadata by slug, going through the cache when one
// is configured.
func (s *Service) Lookup(ctx context.Context, slug string) (*models.File, error) {
	if s.cache != nil {
		file, err := s.cache.GetFile(ctx, slug)
		if err != nil {
			logger.Warn("cache lookup failed", zap.String("slug", slug), zap.Error(err))
		} else if file != nil {
			return file, nil
		}
	}

	file, err := s.files.GetFileBySlug(ctx, slug)
	if err != nil {
		return nil, notFound(err)
	}

	if s.cache != nil {
		if err := s.cache.SetFile(ctx, file); err != nil {
			logger.Warn("failed to update cache", zap.String("slug", slug), zap.Error(err))
		}
	}
	return file, nil
}

// ensureFile inserts proto unless a record with its id already exists, in
// which case the existing record is returned. Slug collisions are retried
// with a fresh slug.
func (s *Service) ensureFile(ctx context.Context, proto *models.File) (*models.File, bool, error) {
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		slug, err := s.newSlug()
		if err != nil {
			return nil, false, err
		}
		proto.Slug = slug

		created, err := s.files.CreateFile(ctx, proto)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create file record: %w", err)
		}
		if created {
			return proto, true, nil
		}

		existing, err := s.files.GetFile(ctx, proto.ID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, fmt.Errorf("failed to load file record: %w", err)
		}
	}
	return nil, false, errors.New("failed to allocate a unique slug")
}

func (s *Service) invalidate(ctx context.Context, slug string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateFile(ctx, slug); err != nil {
		logger.Warn("failed to invalidate cache", zap.String("slug", slug), zap.Error(err))
	}
}

// discard deletes a remote object nothing refers to. Failures only leak
// upstream storage, so they are logged and dropped.
func (s *Service) discard(ctx context.Context, locationRef string) {
	if err := s.blobs.Delete(ctx, locationRef); err != nil {
		logger.Warn("failed to discard orphaned object", zap.String("location_ref", locationRef), zap.Error(err))
	}
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func remoteErr(err error) error {
	if errors.Is(err, blobstore.ErrRemoteUnavailable) {
		return err
	}
	if errors.Is(err, blobstore.ErrObjectNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}
