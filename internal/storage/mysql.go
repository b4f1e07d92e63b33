package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/maneesh/dropshare/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dropshare-storage")

var (
	// ErrNotFound is returned when a file record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique value is already taken.
	ErrDuplicate = errors.New("duplicate value")
)

const errDupEntry = 1062

const fileColumns = `id, name, size, mimetype, slug, COALESCE(public_slug, '') AS public_slug, uploader_ip, owner_id,
	is_chunked, total_chunks, upload_state, remote_object_ref, remote_location_ref, checksum, download_count, expiry_at, created_at`

const chunkColumns = `file_id, chunk_index, remote_object_ref, remote_location_ref, size, checksum, created_at`

// MySQLClient persists file records and the chunk ledger in MySQL. Every
// write is a standalone statement except DeleteFile.
type MySQLClient struct {
	db *sqlx.DB
}

// NewMySQLClient initializes a new MySQL client
func NewMySQLClient(dsn string) (*MySQLClient, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &MySQLClient{db: db}, nil
}

// NewMySQLClientFromDB wraps an already opened connection pool.
func NewMySQLClientFromDB(db *sql.DB) *MySQLClient {
	return &MySQLClient{db: sqlx.NewDb(db, "mysql")}
}

// Close closes the database connection
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

// CreateFile inserts the file record unless one with the same id (or slug)
// already exists. created is false when nothing was inserted.
func (mc *MySQLClient) CreateFile(ctx context.Context, file *models.File) (bool, error) {
	ctx, span := tracer.Start(ctx, "mysql.create_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_name", file.Name),
			attribute.Int64("file_size", file.Size),
		),
	)
	defer span.End()

	query := `INSERT INTO files (id, name, size, mimetype, slug, uploader_ip, owner_id, is_chunked, total_chunks,
			  upload_state, download_count, expiry_at, created_at)
			  VALUES (:id, :name, :size, :mimetype, :slug, :uploader_ip, :owner_id, :is_chunked, :total_chunks,
			  :upload_state, :download_count, :expiry_at, :created_at)
			  ON DUPLICATE KEY UPDATE id = id`

	res, err := mc.db.NamedExecContext(ctx, query, file)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to insert file: %w", err)
	}

	created, err := affected(res)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	span.SetAttributes(attribute.Bool("created", created))
	return created, nil
}

// GetFile retrieves file metadata by ID
func (mc *MySQLClient) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_file",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	return mc.getFileBy(ctx, span, "id", fileID)
}

// GetFileBySlug retrieves file metadata by its public slug
func (mc *MySQLClient) GetFileBySlug(ctx context.Context, slug string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_file_by_slug",
		trace.WithAttributes(
			attribute.String("slug", slug),
		),
	)
	defer span.End()

	return mc.getFileBy(ctx, span, "slug", slug)
}

// GetFileByPublicSlug retrieves file metadata by its public link slug
func (mc *MySQLClient) GetFileByPublicSlug(ctx context.Context, publicSlug string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_file_by_public_slug",
		trace.WithAttributes(
			attribute.String("public_slug", publicSlug),
		),
	)
	defer span.End()

	return mc.getFileBy(ctx, span, "public_slug", publicSlug)
}

func (mc *MySQLClient) getFileBy(ctx context.Context, span trace.Span, column, value string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE ` + column + ` = ?`

	var file models.File
	err := mc.db.GetContext(ctx, &file, query, value)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &file, nil
}

// MarkComplete moves a file from uploading to complete. It never moves a
// file backwards and is a no-op for files already complete.
func (mc *MySQLClient) MarkComplete(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "mysql.mark_complete",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	query := `UPDATE files SET upload_state = ? WHERE id = ? AND upload_state = ?`

	_, err := mc.db.ExecContext(ctx, query, models.StateComplete, fileID, models.StateUploading)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark file complete: %w", err)
	}
	return nil
}

// SetObject records the single stored object of a non-chunked file. Only the
// first object is recorded; set is false when the file already had one.
func (mc *MySQLClient) SetObject(ctx context.Context, fileID string, ref models.RemoteRef, checksum string) (bool, error) {
	ctx, span := tracer.Start(ctx, "mysql.set_object",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	query := `UPDATE files SET remote_object_ref = ?, remote_location_ref = ?, checksum = ?
			  WHERE id = ? AND remote_object_ref = ''`

	res, err := mc.db.ExecContext(ctx, query, ref.ObjectRef, ref.LocationRef, checksum, fileID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to record object: %w", err)
	}

	set, err := affected(res)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("set", set))
	return set, nil
}

// SetPublicSlug assigns a public link slug to a file that has none. set is
// false when the file already has one; ErrDuplicate means the slug is taken.
func (mc *MySQLClient) SetPublicSlug(ctx context.Context, fileID, publicSlug string) (bool, error) {
	ctx, span := tracer.Start(ctx, "mysql.set_public_slug",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	query := `UPDATE files SET public_slug = ? WHERE id = ? AND public_slug IS NULL`

	res, err := mc.db.ExecContext(ctx, query, publicSlug, fileID)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == errDupEntry {
		return false, ErrDuplicate
	} else if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to set public slug: %w", err)
	}

	set, err := affected(res)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("set", set))
	return set, nil
}

// IncrementDownloadCount bumps the download counter of a file
func (mc *MySQLClient) IncrementDownloadCount(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "mysql.increment_download_count",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	_, err := mc.db.ExecContext(ctx, `UPDATE files SET download_count = download_count + 1 WHERE id = ?`, fileID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	return nil
}

// DeleteFile removes the file record and all of its chunk records in one
// transaction.
func (mc *MySQLClient) DeleteFile(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_file",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	tx, err := mc.db.BeginTxx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_chunks WHERE file_id = ?`, fileID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete file: %w", err)
	}
	deleted, err := affected(res)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ListExpired returns up to limit files whose expiry lies before the given time
func (mc *MySQLClient) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.File, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_expired",
		trace.WithAttributes(
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM files
			  WHERE expiry_at IS NOT NULL AND expiry_at < ?
			  ORDER BY expiry_at ASC
			  LIMIT ?`

	var files []*models.File
	if err := mc.db.SelectContext(ctx, &files, query, before, limit); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query expired files: %w", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// UpsertChunk records a chunk. An existing (file_id, chunk_index) row is
// left untouched: the first writer wins and inserted reports false.
func (mc *MySQLClient) UpsertChunk(ctx context.Context, chunk *models.Chunk) (bool, error) {
	ctx, span := tracer.Start(ctx, "mysql.upsert_chunk",
		trace.WithAttributes(
			attribute.String("file_id", chunk.FileID),
			attribute.Int("chunk_index", chunk.Index),
		),
	)
	defer span.End()

	query := `INSERT INTO file_chunks (` + chunkColumns + `)
			  VALUES (:file_id, :chunk_index, :remote_object_ref, :remote_location_ref, :size, :checksum, :created_at)
			  ON DUPLICATE KEY UPDATE file_id = file_id`

	res, err := mc.db.NamedExecContext(ctx, query, chunk)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to insert chunk: %w", err)
	}

	inserted, err := affected(res)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	span.SetAttributes(attribute.Bool("inserted", inserted))
	return inserted, nil
}

// ListChunks retrieves all chunks for a file ordered by chunk_index
func (mc *MySQLClient) ListChunks(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_chunks",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	query := `SELECT ` + chunkColumns + `
			  FROM file_chunks
			  WHERE file_id = ?
			  ORDER BY chunk_index ASC`

	var chunks []*models.Chunk
	if err := mc.db.SelectContext(ctx, &chunks, query, fileID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// CountChunks returns the number of recorded chunks for a file
func (mc *MySQLClient) CountChunks(ctx context.Context, fileID string) (int, error) {
	ctx, span := tracer.Start(ctx, "mysql.count_chunks",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	var n int
	if err := mc.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM file_chunks WHERE file_id = ?`, fileID); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// HasChunk reports whether (file_id, chunk_index) is already recorded
func (mc *MySQLClient) HasChunk(ctx context.Context, fileID string, index int) (bool, error) {
	ctx, span := tracer.Start(ctx, "mysql.has_chunk",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("chunk_index", index),
		),
	)
	defer span.End()

	var n int
	query := `SELECT COUNT(*) FROM file_chunks WHERE file_id = ? AND chunk_index = ?`
	if err := mc.db.GetContext(ctx, &n, query, fileID, index); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to look up chunk: %w", err)
	}
	return n > 0, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
