package models

import "time"

// UploadState is the lifecycle state of a file record.
type UploadState string

const (
	StateUploading UploadState = "uploading"
	StateComplete  UploadState = "complete"
)

// DropType distinguishes plain files from text notes in a user's listing.
type DropType string

const (
	DropTypeFile DropType = "file"
	DropTypeNote DropType = "note"
)

// File represents file metadata stored in the relational store
type File struct {
	ID            string      `db:"id" json:"id"`
	Name          string      `db:"name" json:"name"`
	Size          int64       `db:"size" json:"size"`
	Mimetype      string      `db:"mimetype" json:"mimetype"`
	Slug          string      `db:"slug" json:"slug"`
	PublicSlug    string      `db:"public_slug" json:"public_slug"`
	UploaderIP    string      `db:"uploader_ip" json:"uploader_ip"`
	OwnerID       string      `db:"owner_id" json:"owner_id"`
	IsChunked     bool        `db:"is_chunked" json:"is_chunked"`
	TotalChunks   int         `db:"total_chunks" json:"total_chunks"`
	UploadState   UploadState `db:"upload_state" json:"upload_state"`
	ObjectRef     string      `db:"remote_object_ref" json:"remote_object_ref"`
	LocationRef   string      `db:"remote_location_ref" json:"remote_location_ref"`
	Checksum      string      `db:"checksum" json:"checksum"`
	DownloadCount int64       `db:"download_count" json:"download_count"`
	ExpiresAt     *time.Time  `db:"expiry_at" json:"expiry_at"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// Expired reports whether the file has an expiry that lies before now.
func (f *File) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && f.ExpiresAt.Before(now)
}

// Chunk is one ledger entry: a stored slice of a chunked file
type Chunk struct {
	FileID      string    `db:"file_id" json:"file_id"`
	Index       int       `db:"chunk_index" json:"chunk_index"`
	ObjectRef   string    `db:"remote_object_ref" json:"remote_object_ref"`
	LocationRef string    `db:"remote_location_ref" json:"remote_location_ref"`
	Size        int64     `db:"size" json:"size"`
	Checksum    string    `db:"checksum" json:"checksum"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// RemoteRef is what the blob store hands back for a stored object.
// ObjectRef resolves back to bytes, LocationRef is needed to delete it.
type RemoteRef struct {
	ObjectRef   string
	LocationRef string
}

// UserDrop is an entry in a user's "my drops" listing
type UserDrop struct {
	UserID    string    `json:"user_id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Mimetype  string    `json:"mimetype"`
	Size      int64     `json:"size"`
	Notes     string    `json:"notes,omitempty"`
	Type      DropType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}
