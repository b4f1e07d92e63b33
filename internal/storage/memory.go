package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/dropshare/internal/models"
)

type chunkKey struct {
	fileID string
	index  int
}

// MemoryStore keeps file records, the chunk ledger and user drops in
// process memory. It mirrors the MySQL semantics: insert-if-absent for files
// and chunks, forward-only state changes.
type MemoryStore struct {
	mu     sync.RWMutex
	files  map[string]*models.File
	slugs  map[string]string
	public map[string]string
	chunks map[chunkKey]*models.Chunk
	drops  map[string]map[string]*models.UserDrop
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:  make(map[string]*models.File),
		slugs:  make(map[string]string),
		public: make(map[string]string),
		chunks: make(map[chunkKey]*models.Chunk),
		drops:  make(map[string]map[string]*models.UserDrop),
	}
}

func (ms *MemoryStore) CreateFile(_ context.Context, file *models.File) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.files[file.ID]; ok {
		return false, nil
	}
	if _, ok := ms.slugs[file.Slug]; ok {
		return false, nil
	}
	cp := *file
	ms.files[file.ID] = &cp
	ms.slugs[file.Slug] = file.ID
	return true, nil
}

func (ms *MemoryStore) GetFile(_ context.Context, fileID string) (*models.File, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	f, ok := ms.files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (ms *MemoryStore) GetFileBySlug(ctx context.Context, slug string) (*models.File, error) {
	ms.mu.RLock()
	id, ok := ms.slugs[slug]
	ms.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return ms.GetFile(ctx, id)
}

func (ms *MemoryStore) GetFileByPublicSlug(ctx context.Context, publicSlug string) (*models.File, error) {
	ms.mu.RLock()
	id, ok := ms.public[publicSlug]
	ms.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return ms.GetFile(ctx, id)
}

func (ms *MemoryStore) MarkComplete(_ context.Context, fileID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if f, ok := ms.files[fileID]; ok && f.UploadState == models.StateUploading {
		f.UploadState = models.StateComplete
	}
	return nil
}

func (ms *MemoryStore) SetObject(_ context.Context, fileID string, ref models.RemoteRef, checksum string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	f, ok := ms.files[fileID]
	if !ok || f.ObjectRef != "" {
		return false, nil
	}
	f.ObjectRef = ref.ObjectRef
	f.LocationRef = ref.LocationRef
	f.Checksum = checksum
	return true, nil
}

func (ms *MemoryStore) SetPublicSlug(_ context.Context, fileID, publicSlug string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	f, ok := ms.files[fileID]
	if !ok || f.PublicSlug != "" {
		return false, nil
	}
	if _, taken := ms.public[publicSlug]; taken {
		return false, ErrDuplicate
	}
	f.PublicSlug = publicSlug
	ms.public[publicSlug] = fileID
	return true, nil
}

func (ms *MemoryStore) IncrementDownloadCount(_ context.Context, fileID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if f, ok := ms.files[fileID]; ok {
		f.DownloadCount++
	}
	return nil
}

func (ms *MemoryStore) DeleteFile(_ context.Context, fileID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	f, ok := ms.files[fileID]
	if !ok {
		return ErrNotFound
	}
	for key := range ms.chunks {
		if key.fileID == fileID {
			delete(ms.chunks, key)
		}
	}
	delete(ms.slugs, f.Slug)
	if f.PublicSlug != "" {
		delete(ms.public, f.PublicSlug)
	}
	delete(ms.files, fileID)
	return nil
}

func (ms *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*models.File, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*models.File
	for _, f := range ms.files {
		if f.Expired(before) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ms *MemoryStore) UpsertChunk(_ context.Context, chunk *models.Chunk) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	key := chunkKey{chunk.FileID, chunk.Index}
	if _, ok := ms.chunks[key]; ok {
		return false, nil
	}
	cp := *chunk
	ms.chunks[key] = &cp
	return true, nil
}

func (ms *MemoryStore) ListChunks(_ context.Context, fileID string) ([]*models.Chunk, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*models.Chunk
	for key, c := range ms.chunks {
		if key.fileID == fileID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (ms *MemoryStore) CountChunks(ctx context.Context, fileID string) (int, error) {
	chunks, err := ms.ListChunks(ctx, fileID)
	return len(chunks), err
}

func (ms *MemoryStore) HasChunk(_ context.Context, fileID string, index int) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	_, ok := ms.chunks[chunkKey{fileID, index}]
	return ok, nil
}

func (ms *MemoryStore) AddDrop(_ context.Context, drop *models.UserDrop) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	byUser, ok := ms.drops[drop.UserID]
	if !ok {
		byUser = make(map[string]*models.UserDrop)
		ms.drops[drop.UserID] = byUser
	}
	cp := *drop
	byUser[drop.Slug] = &cp
	return nil
}

func (ms *MemoryStore) ListDrops(_ context.Context, userID string) ([]*models.UserDrop, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*models.UserDrop
	for _, d := range ms.drops[userID] {
		cp := *d
		out = append(out, &cp)
	}
	sortDrops(out)
	return out, nil
}

func (ms *MemoryStore) RemoveDrop(_ context.Context, userID, slug string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.drops[userID][slug]; !ok {
		return false, nil
	}
	delete(ms.drops[userID], slug)
	return true, nil
}

// sortDrops orders drops newest first.
func sortDrops(drops []*models.UserDrop) {
	sort.Slice(drops, func(i, j int) bool {
		if drops[i].CreatedAt.Equal(drops[j].CreatedAt) {
			return drops[i].Slug < drops[j].Slug
		}
		return drops[i].CreatedAt.After(drops[j].CreatedAt)
	})
}
