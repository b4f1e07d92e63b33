package transfer

import (
	"errors"
	"fmt"

	"github.com/maneesh/dropshare/internal/blobstore"
)

var (
	// ErrInvalidSize is returned before any remote call when the declared
	// size is not positive or does not match the supplied buffer.
	ErrInvalidSize = errors.New("invalid file size")
	// ErrRemoteUnavailable wraps blob store failures.
	ErrRemoteUnavailable = blobstore.ErrRemoteUnavailable
	// ErrNotFound means the file record, or a stored object, is absent.
	ErrNotFound = errors.New("file not found")
	// ErrIncompleteFile means the ledger does not hold every chunk.
	ErrIncompleteFile = errors.New("incomplete file: missing chunks")
	// ErrFileConflict means a resumed upload disagrees with the existing record.
	ErrFileConflict = errors.New("file id already used for a different upload")
	// ErrInvalidChunk rejects malformed client chunk uploads.
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrExpired is returned for downloads past the file's expiry.
	ErrExpired = errors.New("file expired")
	// ErrDownloadLimit is returned once the caller's download limit is reached.
	ErrDownloadLimit = errors.New("max downloads reached")
	// ErrForbidden is returned when a caller may not delete or publish a file.
	ErrForbidden = errors.New("not the owner of this file")
	// ErrTooLargeForPublic is returned for public links to files above the
	// single-object limit.
	ErrTooLargeForPublic = errors.New("file too large for a public link")
)

// ChecksumMismatchError reports the first chunk whose bytes do not match the
// recorded checksum or size.
type ChecksumMismatchError struct {
	Index int
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for chunk %d", e.Index)
}
