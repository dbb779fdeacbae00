package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryRelational is an in-memory Relational implementation. It never
// reports Degraded(); it exists for tests and for running the document
// server with no database configured at all.
type MemoryRelational struct {
	mu        sync.Mutex
	revisions map[string]uint64
	log       map[string][]LogEntry
}

// NewMemoryRelational builds an empty MemoryRelational store.
func NewMemoryRelational() *MemoryRelational {
	return &MemoryRelational{
		revisions: make(map[string]uint64),
		log:       make(map[string][]LogEntry),
	}
}

func (m *MemoryRelational) Degraded() bool { return false }

func (m *MemoryRelational) EnsureDocument(_ context.Context, docID, _, _ string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revisions[docID], nil
}

func (m *MemoryRelational) CurrentRevision(_ context.Context, docID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[docID]
	if !ok {
		return 0, ErrNotFound
	}
	return rev, nil
}

func (m *MemoryRelational) SetCurrentRevision(_ context.Context, docID string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions[docID] = revision
	return nil
}

func (m *MemoryRelational) AppendOperation(_ context.Context, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.log[entry.DocumentID] {
		if e.Revision == entry.Revision {
			return ErrConflict
		}
	}
	m.log[entry.DocumentID] = append(m.log[entry.DocumentID], entry)
	return nil
}

func (m *MemoryRelational) OperationsSince(_ context.Context, docID string, since uint64) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, e := range m.log[docID] {
		if e.Revision > since {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

func (m *MemoryRelational) ClearOperations(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.log, docID)
	return nil
}

func (m *MemoryRelational) Compact(_ context.Context, docID string, keepWindow int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.log[docID]
	if len(entries) <= keepWindow {
		return nil
	}
	m.log[docID] = append([]LogEntry{}, entries[len(entries)-keepWindow:]...)
	return nil
}

func (m *MemoryRelational) DeleteDocument(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.revisions, docID)
	delete(m.log, docID)
	return nil
}

// MemoryBlob is an in-memory Blob implementation. bucketInfo is folded into
// the key via its "bucket" entry (if any), the same routing convention
// S3Blob uses, so tests can exercise per-document bucket routing without a
// real S3 client.
type MemoryBlob struct {
	mu      sync.Mutex
	content map[string]string
}

// NewMemoryBlob builds an empty MemoryBlob store.
func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{content: make(map[string]string)}
}

func memoryBlobKey(bucketInfo map[string]string, path string) string {
	return bucketInfo["bucket"] + "/" + path
}

func (b *MemoryBlob) Read(_ context.Context, bucketInfo map[string]string, path string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.content[memoryBlobKey(bucketInfo, path)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (b *MemoryBlob) Write(_ context.Context, bucketInfo map[string]string, path, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content[memoryBlobKey(bucketInfo, path)] = content
	return nil
}

func (b *MemoryBlob) Delete(_ context.Context, bucketInfo map[string]string, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.content, memoryBlobKey(bucketInfo, path))
	return nil
}
