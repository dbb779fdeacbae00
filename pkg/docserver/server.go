// Package docserver is the server-authoritative OT engine: an in-memory
// cache of live documents (C3), one serializer per document guaranteeing
// strict per-document ordering with full cross-document parallelism (C4),
// and the operations that drive the OT algebra in pkg/ot against that cache
// and the persistence adapter in pkg/store (C5).
package docserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coreseekdev/quillwright/internal/config"
	"github.com/coreseekdev/quillwright/pkg/diffutil"
	"github.com/coreseekdev/quillwright/pkg/ot"
	"github.com/coreseekdev/quillwright/pkg/store"
)

// Server is the OT document server: it owns the document cache and wires
// the OT algebra to the persistence adapter, implementing getOrCreate,
// receiveOperation, applyFullContent, debounced/forced save, and the
// cleanup and compaction lifecycle.
type Server struct {
	cfg     config.Config
	adapter *store.Adapter
	log     *zap.Logger

	mu          sync.Mutex
	docs        map[string]*cachedDocument
	bucketIndex map[string]map[string]struct{} // bucketID -> set of docIDs

	modeBTickers map[string]*time.Ticker
	stopOnce     sync.Once
	stopped      chan struct{}
}

// New builds a Server over the given persistence adapter and
// configuration. log may be nil, in which case zap.NewNop() is used.
func New(cfg config.Config, adapter *store.Adapter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		adapter:      adapter,
		log:          log,
		docs:         make(map[string]*cachedDocument),
		bucketIndex:  make(map[string]map[string]struct{}),
		modeBTickers: make(map[string]*time.Ticker),
		stopped:      make(chan struct{}),
	}
}

// GetOrCreate returns the cached document for (bucketID, filePath),
// materializing it from the persistence adapter if it is not already
// cached. bucketInfo is opaque routing metadata forwarded to the blob
// store verbatim (e.g. the S3 bucket name/region to use for this
// document); the core never inspects it. mode governs how the document is
// persisted on its debounce timer; it only takes effect the first time the
// document is materialized.
//
// Materialization follows spec's resolution of the snapshot/log
// divergence question: if a snapshot already exists, any log entries are
// stale by construction (a reload implies there is no live editor whose
// in-flight revision they could still serve) and are cleared, with the
// document starting over at revision 0 against the cleaned, line-ending
// -normalized snapshot content. If no snapshot exists yet, the blob is
// read as a fallback (normalized the same way, or treated as empty if
// missing/unreadable) and an initial snapshot is written at revision 0.
func (s *Server) GetOrCreate(ctx context.Context, bucketID, filePath string, bucketInfo map[string]string, mode SaveMode) (Document, error) {
	id := docID(bucketID, filePath)

	s.mu.Lock()
	if cd, ok := s.docs[id]; ok {
		s.mu.Unlock()
		return cd.doc, nil
	}
	s.mu.Unlock()

	if _, err := s.adapter.Rel.EnsureDocument(ctx, id, bucketID, filePath); err != nil {
		return Document{}, wrapError(Unavailable, "materializing document", err)
	}

	doc := Document{ID: id, BucketID: bucketID, FilePath: filePath, BucketInfo: bucketInfo}

	snap, ok, err := s.adapter.LoadSnapshot(ctx, id, bucketInfo, filePath)
	if err != nil {
		return Document{}, wrapError(Unavailable, "loading snapshot", err)
	}

	if ok {
		doc.Content = normalizeLineEndings(snap.Content)
		doc.Revision = 0
		if err := s.adapter.Rel.ClearOperations(ctx, id); err != nil {
			return Document{}, wrapError(Unavailable, "clearing stale operation log", err)
		}
		if err := s.adapter.SaveSnapshot(ctx, store.Snapshot{
			DocumentID:      id,
			BucketID:        bucketID,
			BucketInfo:      bucketInfo,
			FilePath:        filePath,
			CurrentRevision: doc.Revision,
			Content:         doc.Content,
		}); err != nil {
			return Document{}, wrapError(Unavailable, "upserting cleaned snapshot", err)
		}
	} else {
		content, err := s.adapter.Blob.Read(ctx, bucketInfo, filePath)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("blob read failed on materialization; starting from empty content",
				zap.String("document_id", id), zap.Error(err))
			content = ""
		}
		doc.Content = normalizeLineEndings(content)
		doc.Revision = 0
		if err := s.adapter.SaveSnapshot(ctx, store.Snapshot{
			DocumentID:      id,
			BucketID:        bucketID,
			BucketInfo:      bucketInfo,
			FilePath:        filePath,
			CurrentRevision: doc.Revision,
			Content:         doc.Content,
		}); err != nil {
			return Document{}, wrapError(Unavailable, "writing initial snapshot", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cd, ok := s.docs[id]; ok {
		// Lost a materialization race; the winner's state is authoritative.
		return cd.doc, nil
	}
	cd := &cachedDocument{doc: doc, mode: mode, lane: newLane()}
	s.docs[id] = cd
	s.indexBucket(bucketID, id)
	s.log.Info("document materialized", zap.String("document_id", id), zap.Uint64("revision", doc.Revision))
	return doc, nil
}

func (s *Server) indexBucket(bucketID, id string) {
	set, ok := s.bucketIndex[bucketID]
	if !ok {
		set = make(map[string]struct{})
		s.bucketIndex[bucketID] = set
	}
	set[id] = struct{}{}
}

func (s *Server) lookup(id string) (*cachedDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cd, ok := s.docs[id]
	return cd, ok
}

// appendFailureKind classifies a failed AppendOperation call: a duplicate
// (docId, revision) insert is a Conflict (the store enforced its
// uniqueness invariant), anything else is a transient persistence
// failure.
func appendFailureKind(err error) ErrorKind {
	if errors.Is(err, store.ErrConflict) {
		return Conflict
	}
	return Unavailable
}

// ReceiveOperation is the core OT entry point: it transforms a client's
// operation (submitted against baseRevision) against every operation the
// server has logged since, applies the transformed result, assigns it the
// next revision, appends it to the log, and returns the transformed
// operation so the caller can rebroadcast it.
//
// Execution happens on the document's lane, so concurrent submissions for
// the same document are serialized in arrival order; submissions for other
// documents proceed independently.
func (s *Server) ReceiveOperation(ctx context.Context, bucketID, filePath string, baseRevision uint64, clientOp *ot.Operation, authorID string) (*ot.Operation, uint64, error) {
	id := docID(bucketID, filePath)
	cd, ok := s.lookup(id)
	if !ok {
		return nil, 0, newError(NotFound, "document not cached; call GetOrCreate first")
	}

	var resultOp *ot.Operation
	var resultRev uint64

	err := cd.lane.submit(func() error {
		if baseRevision > cd.doc.Revision {
			return newError(ClientAhead, "client revision is ahead of the server")
		}

		transformed := clientOp
		if baseRevision < cd.doc.Revision {
			missed, err := s.adapter.Rel.OperationsSince(ctx, id, baseRevision)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return wrapError(Unavailable, "loading missed operations", err)
			}
			if uint64(len(missed)) < cd.doc.Revision-baseRevision {
				return newError(LogGap, "operation log is missing revisions needed to transform this submission")
			}

			for _, e := range missed {
				t1, _, err := ot.Transform(transformed, e.Operation)
				if err != nil {
					return wrapError(ApplyFailed, "transforming against missed operation", err)
				}
				transformed = t1
			}
		}

		oldContent := cd.doc.Content
		oldRevision := cd.doc.Revision

		newContent, err := transformed.Apply(oldContent)
		if err != nil {
			return wrapError(ApplyFailed, "applying transformed operation", err)
		}

		newRevision := oldRevision + 1
		cd.doc.Content = newContent
		cd.doc.Revision = newRevision

		if err := s.adapter.Rel.AppendOperation(ctx, store.LogEntry{
			DocumentID: id,
			Revision:   newRevision,
			AuthorID:   authorID,
			Operation:  transformed,
			CreatedAt:  time.Now(),
		}); err != nil {
			// Roll back: the in-memory document must not diverge from
			// what the log believes happened.
			cd.doc.Content = oldContent
			cd.doc.Revision = oldRevision
			return wrapError(appendFailureKind(err), "appending to operation log", err)
		}

		cd.dirty = true
		s.scheduleDebounce(id, cd)
		cd.opsSinceCompact++
		if cd.opsSinceCompact >= s.cfg.CompactInterval {
			cd.opsSinceCompact = 0
			s.compactInBackground(id)
		}

		resultOp = transformed
		resultRev = newRevision
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return resultOp, resultRev, nil
}

// ApplyFullContent resyncs a document to newRawContent wholesale: it
// normalizes line endings, and if the result differs from the document's
// current content, computes the minimal diff between them and applies it
// exactly as if a client had submitted that diff as an operation. If the
// normalized content is unchanged, it returns a nil operation and the
// document's current revision without touching the log.
func (s *Server) ApplyFullContent(ctx context.Context, bucketID, filePath string, newRawContent, authorID string) (*ot.Operation, uint64, error) {
	id := docID(bucketID, filePath)
	cd, ok := s.lookup(id)
	if !ok {
		return nil, 0, newError(NotFound, "document not cached; call GetOrCreate first")
	}

	var resultOp *ot.Operation
	var resultRev uint64

	err := cd.lane.submit(func() error {
		newContent := normalizeLineEndings(newRawContent)
		if newContent == cd.doc.Content {
			resultOp = nil
			resultRev = cd.doc.Revision
			return nil
		}

		op, err := diffutil.Operation(cd.doc.Content, newContent)
		if err != nil {
			return wrapError(ApplyFailed, "computing diff operation", err)
		}
		if op.IsNoop() {
			resultOp = nil
			resultRev = cd.doc.Revision
			return nil
		}

		oldContent := cd.doc.Content
		oldRevision := cd.doc.Revision
		newRevision := oldRevision + 1

		applied, err := op.Apply(oldContent)
		if err != nil {
			return wrapError(ApplyFailed, "applying full-content diff", err)
		}

		cd.doc.Content = applied
		cd.doc.Revision = newRevision

		if err := s.adapter.Rel.AppendOperation(ctx, store.LogEntry{
			DocumentID: id,
			Revision:   newRevision,
			AuthorID:   authorID,
			Operation:  op,
			CreatedAt:  time.Now(),
		}); err != nil {
			cd.doc.Content = oldContent
			cd.doc.Revision = oldRevision
			return wrapError(appendFailureKind(err), "appending to operation log", err)
		}

		cd.dirty = true
		s.scheduleDebounce(id, cd)

		resultOp = op
		resultRev = newRevision
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return resultOp, resultRev, nil
}
