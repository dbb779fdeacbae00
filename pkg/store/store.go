// Package store implements the persistence adapter: a relational store for
// document metadata and the operation log, and a blob store for the latest
// known snapshot content of each document. The two halves are composed by
// Adapter, which also implements the degrade-to-memory-only behavior spec.md
// requires when the relational schema has not been migrated in.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/coreseekdev/quillwright/pkg/ot"
)

// LogEntry is one immutable row of a document's operation log.
type LogEntry struct {
	DocumentID string
	Revision   uint64
	AuthorID   string
	Operation  *ot.Operation
	CreatedAt  time.Time
}

// Snapshot is the latest known full content of a document plus the
// revision it was captured at.
type Snapshot struct {
	DocumentID string
	BucketID   string
	// BucketInfo is opaque routing metadata forwarded to the blob store
	// verbatim (e.g. the S3 bucket name/region to address).
	BucketInfo      map[string]string
	FilePath        string
	CurrentRevision uint64
	Content         string
	UpdatedAt       time.Time
}

// ErrNotFound is returned by Relational.CurrentRevision when the document
// has no ot_documents row, by Blob.Read when nothing has been written for
// the path, and by the relational reads of a degraded store.
// Adapter.LoadSnapshot reports a missing document with ok == false instead.
var ErrNotFound = errors.New("store: document not found")

// ErrConflict is returned by AppendOperation when (document_id, revision)
// already exists — the store's uniqueness invariant caught a duplicate
// insert.
var ErrConflict = errors.New("store: duplicate (document_id, revision)")

// Relational is the contract for the ot_documents/ot_operations half of the
// persistence adapter.
type Relational interface {
	// EnsureDocument creates the ot_documents row for docID if absent,
	// returning its current revision either way.
	EnsureDocument(ctx context.Context, docID, bucketID, filePath string) (uint64, error)
	// CurrentRevision returns the revision ot_documents has on file for
	// docID.
	CurrentRevision(ctx context.Context, docID string) (uint64, error)
	// SetCurrentRevision updates ot_documents' revision pointer for docID.
	SetCurrentRevision(ctx context.Context, docID string, revision uint64) error
	// AppendOperation inserts one log row. The (document_id, revision)
	// pair is unique; a duplicate insert fails with ErrConflict.
	AppendOperation(ctx context.Context, entry LogEntry) error
	// OperationsSince returns every logged operation for docID with
	// revision > since, ordered by revision ascending.
	OperationsSince(ctx context.Context, docID string, since uint64) ([]LogEntry, error)
	// ClearOperations deletes every logged operation for docID.
	ClearOperations(ctx context.Context, docID string) error
	// Compact deletes every logged operation for docID with revision <=
	// (latest logged revision - keepWindow), keeping only the most recent
	// keepWindow entries.
	Compact(ctx context.Context, docID string, keepWindow int) error
	// DeleteDocument removes the ot_documents row and all of its log rows.
	DeleteDocument(ctx context.Context, docID string) error
	// Degraded reports whether the relational schema was found absent, in
	// which case every method above is a silent no-op / returns ErrNotFound.
	Degraded() bool
}

// Blob is the contract for the latest-known-snapshot-content half of the
// persistence adapter. bucketInfo is opaque routing metadata (e.g. an S3
// bucket name/region) the adapter forwards to whatever backs the blob
// store without interpreting it itself.
type Blob interface {
	// Read returns the stored content for (bucketInfo, path), or
	// ErrNotFound if nothing has been written yet.
	Read(ctx context.Context, bucketInfo map[string]string, path string) (string, error)
	// Write stores content for (bucketInfo, path), overwriting any prior
	// value.
	Write(ctx context.Context, bucketInfo map[string]string, path, content string) error
	// Delete removes any stored content for (bucketInfo, path).
	Delete(ctx context.Context, bucketInfo map[string]string, path string) error
}

// Adapter composes a Relational store and a Blob store into the single
// persistence port the document server depends on.
type Adapter struct {
	Rel  Relational
	Blob Blob
}

// New builds an Adapter from its two halves.
func New(rel Relational, blob Blob) *Adapter {
	return &Adapter{Rel: rel, Blob: blob}
}

// LoadSnapshot reconstructs a document's latest known state: its current
// revision from the relational store, and its content from the blob store.
// ok is false if the relational store is degraded or has no record of the
// document; a degraded adapter never consults the blob store, since without
// a revision pointer the blob content cannot be trusted.
func (a *Adapter) LoadSnapshot(ctx context.Context, docID string, bucketInfo map[string]string, filePath string) (Snapshot, bool, error) {
	if a.Rel.Degraded() {
		return Snapshot{}, false, nil
	}
	rev, err := a.Rel.CurrentRevision(ctx, docID)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	content, err := a.Blob.Read(ctx, bucketInfo, filePath)
	if errors.Is(err, ErrNotFound) {
		content = ""
	} else if err != nil {
		return Snapshot{}, false, err
	}
	return Snapshot{
		DocumentID:      docID,
		BucketInfo:      bucketInfo,
		FilePath:        filePath,
		CurrentRevision: rev,
		Content:         content,
	}, true, nil
}

// SaveSnapshot persists a document's current content and revision:
// sanitized blob content first, then the relational revision pointer, so
// that a crash between the two writes leaves a document whose blob content
// is ahead of its recorded revision (resolved by the clear-log-on-reload
// policy in docserver) rather than a revision pointer promising content
// that was never written.
func (a *Adapter) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	content := Sanitize(snap.Content)
	if err := a.Blob.Write(ctx, snap.BucketInfo, snap.FilePath, content); err != nil {
		return err
	}
	if a.Rel.Degraded() {
		return nil
	}
	return a.Rel.SetCurrentRevision(ctx, snap.DocumentID, snap.CurrentRevision)
}

// DeleteDocument removes a document's relational rows and blob content.
func (a *Adapter) DeleteDocument(ctx context.Context, docID string, bucketInfo map[string]string, filePath string) error {
	if err := a.Blob.Delete(ctx, bucketInfo, filePath); err != nil {
		return err
	}
	if a.Rel.Degraded() {
		return nil
	}
	return a.Rel.DeleteDocument(ctx, docID)
}
