package blobstore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/maneesh/dropshare/internal/models"
)

const memoryScheme = "mem://"

// Memory is an in-process Store for local development and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Store keeps a private copy of data.
func (m *Memory) Store(_ context.Context, data []byte, _, _ string) (models.RemoteRef, error) {
	key := uuid.New().String()
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.objects[key] = buf
	m.mu.Unlock()

	return models.RemoteRef{ObjectRef: key, LocationRef: key}, nil
}

func (m *Memory) Resolve(_ context.Context, objectRef string) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[objectRef]
	m.mu.RUnlock()
	if !ok {
		return "", ErrObjectNotFound
	}
	return memoryScheme + objectRef, nil
}

func (m *Memory) Fetch(_ context.Context, locator string) ([]byte, error) {
	key, ok := strings.CutPrefix(locator, memoryScheme)
	if !ok {
		return nil, ErrObjectNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, locationRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[locationRef]; !ok {
		return ErrObjectNotFound
	}
	delete(m.objects, locationRef)
	return nil
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
