package docserver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coreseekdev/quillwright/pkg/store"
)

// scheduleDebounce (re)starts the save-debounce timer for a document.
// Every call cancels any timer already pending and starts a fresh one, so
// a document under continuous editing is only ever actually saved
// SaveDebounce after the *last* operation, never per-operation. Must be
// called with the document's lane already held (i.e. from inside a
// lane.submit closure).
func (s *Server) scheduleDebounce(id string, cd *cachedDocument) {
	if cd.saveTimer != nil {
		cd.saveTimer.Stop()
	}
	cd.saveTimer = time.AfterFunc(s.cfg.SaveDebounce, func() {
		_ = cd.lane.submit(func() error {
			return s.persist(context.Background(), id, cd, cd.mode == ModeA)
		})
	})
}

// persist writes a document's current state to the persistence adapter.
// writeBlob controls whether the blob snapshot is written alongside the
// relational revision pointer; a Mode B debounce passes false and relies
// on its background ticker to catch the blob up. A pointer-only save
// leaves the document dirty, so the next save that includes the blob
// still writes it.
func (s *Server) persist(ctx context.Context, id string, cd *cachedDocument, writeBlob bool) error {
	if !cd.dirty {
		return nil
	}
	if writeBlob {
		if err := s.adapter.SaveSnapshot(ctx, store.Snapshot{
			DocumentID:      id,
			BucketID:        cd.doc.BucketID,
			BucketInfo:      cd.doc.BucketInfo,
			FilePath:        cd.doc.FilePath,
			CurrentRevision: cd.doc.Revision,
			Content:         cd.doc.Content,
		}); err != nil {
			s.log.Warn("save failed, document remains dirty", zap.String("document_id", id), zap.Error(err))
			return wrapError(Unavailable, "persisting document", err)
		}
	} else {
		if err := s.adapter.Rel.SetCurrentRevision(ctx, id, cd.doc.Revision); err != nil {
			s.log.Warn("revision pointer save failed, document remains dirty", zap.String("document_id", id), zap.Error(err))
			return wrapError(Unavailable, "persisting revision pointer", err)
		}
		return nil
	}
	cd.dirty = false
	return nil
}

// forceSaveBlob writes both the relational revision pointer and the blob
// content for a document, regardless of SaveMode, and regardless of
// whether a debounce timer is currently pending.
func (s *Server) forceSaveBlob(ctx context.Context, id string, cd *cachedDocument) error {
	return s.persist(ctx, id, cd, true)
}

// ForceSave immediately persists a document (both halves), canceling any
// pending debounce timer, without waiting for it to fire.
func (s *Server) ForceSave(ctx context.Context, bucketID, filePath string) error {
	id := docID(bucketID, filePath)
	cd, ok := s.lookup(id)
	if !ok {
		return newError(NotFound, "document not cached")
	}
	return cd.lane.submit(func() error {
		if cd.saveTimer != nil {
			cd.saveTimer.Stop()
		}
		return s.forceSaveBlob(ctx, id, cd)
	})
}

// SaveAll force-saves every currently cached document. Individual
// failures are logged and do not stop the sweep; the first error
// encountered is returned after every document has been attempted.
func (s *Server) SaveAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		cd, ok := s.lookup(id)
		if !ok {
			continue
		}
		if err := cd.lane.submit(func() error {
			if cd.saveTimer != nil {
				cd.saveTimer.Stop()
			}
			return s.forceSaveBlob(ctx, id, cd)
		}); err != nil {
			s.log.Warn("save-all: document failed to save", zap.String("document_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ForceSaveForBucket force-saves every cached document belonging to
// bucketID.
func (s *Server) ForceSaveForBucket(ctx context.Context, bucketID string) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.bucketIndex[bucketID]))
	for id := range s.bucketIndex[bucketID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		cd, ok := s.lookup(id)
		if !ok {
			continue
		}
		if err := cd.lane.submit(func() error {
			if cd.saveTimer != nil {
				cd.saveTimer.Stop()
			}
			return s.forceSaveBlob(ctx, id, cd)
		}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ScheduleCleanup starts (or restarts) the grace-period eviction timer for
// a document: after CleanupGrace with no intervening CancelCleanup, the
// document is force-saved and dropped from the cache.
func (s *Server) ScheduleCleanup(bucketID, filePath string) {
	id := docID(bucketID, filePath)
	cd, ok := s.lookup(id)
	if !ok {
		return
	}
	_ = cd.lane.submit(func() error {
		if cd.cleanupTimer != nil {
			cd.cleanupTimer.Stop()
		}
		cd.cleanupTimer = time.AfterFunc(s.cfg.CleanupGrace, func() {
			s.evict(id)
		})
		return nil
	})
}

// CancelCleanup stops a pending cleanup timer for a document, e.g. because
// a new collaborator joined during the grace period.
func (s *Server) CancelCleanup(bucketID, filePath string) {
	id := docID(bucketID, filePath)
	cd, ok := s.lookup(id)
	if !ok {
		return
	}
	_ = cd.lane.submit(func() error {
		if cd.cleanupTimer != nil {
			cd.cleanupTimer.Stop()
			cd.cleanupTimer = nil
		}
		return nil
	})
}

// evict force-saves and removes a document from the cache. It is only
// ever invoked from a cleanup timer, never directly, so that eviction
// itself runs on the document's own lane.
func (s *Server) evict(id string) {
	cd, ok := s.lookup(id)
	if !ok {
		return
	}
	_ = cd.lane.submit(func() error {
		err := s.forceSaveBlob(context.Background(), id, cd)
		if err != nil {
			s.log.Warn("cleanup save failed; document stays cached to avoid losing edits",
				zap.String("document_id", id), zap.Error(err))
			return err
		}
		s.removeFromCache(id, cd.doc.BucketID)
		return nil
	})
}

func (s *Server) removeFromCache(id, bucketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cd, ok := s.docs[id]; ok {
		cd.lane.close()
	}
	delete(s.docs, id)
	if set, ok := s.bucketIndex[bucketID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.bucketIndex, bucketID)
		}
	}
}

// DeletePermanently force-evicts a document without saving it first, and
// deletes its persisted state (relational rows and blob content).
func (s *Server) DeletePermanently(ctx context.Context, bucketID, filePath string) error {
	id := docID(bucketID, filePath)
	var bucketInfo map[string]string
	cd, ok := s.lookup(id)
	if ok {
		bucketInfo = cd.doc.BucketInfo
		_ = cd.lane.submit(func() error {
			if cd.saveTimer != nil {
				cd.saveTimer.Stop()
			}
			if cd.cleanupTimer != nil {
				cd.cleanupTimer.Stop()
			}
			return nil
		})
		s.removeFromCache(id, bucketID)
	}
	return s.adapter.DeleteDocument(ctx, id, bucketInfo, filePath)
}

// compactInBackground fires compaction for a document fire-and-forget: a
// failure is logged, never returned, since compaction is a best-effort
// housekeeping step and must never block or fail an editing session.
func (s *Server) compactInBackground(id string) {
	go func() {
		if err := s.adapter.Rel.Compact(context.Background(), id, s.cfg.KeepWindow); err != nil {
			s.log.Warn("compaction failed", zap.String("document_id", id), zap.Error(err))
		}
	}()
}

// HasDocument reports whether a document is currently cached.
func (s *Server) HasDocument(bucketID, filePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[docID(bucketID, filePath)]
	return ok
}

// ListDocumentIds returns the IDs of every currently cached document.
func (s *Server) ListDocumentIds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids
}

// GetContent returns a cached document's current content and revision,
// read inside a submission on the document's lane so the pair is never
// observed mid-mutation.
func (s *Server) GetContent(bucketID, filePath string) (string, uint64, error) {
	id := docID(bucketID, filePath)
	cd, ok := s.lookup(id)
	if !ok {
		return "", 0, newError(NotFound, "document not cached")
	}
	var content string
	var rev uint64
	_ = cd.lane.submit(func() error {
		content = cd.doc.Content
		rev = cd.doc.Revision
		return nil
	})
	return content, rev, nil
}

// ListContentsForBucket returns the current content of every cached
// document belonging to bucketID, keyed by file path.
func (s *Server) ListContentsForBucket(bucketID string) map[string]string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.bucketIndex[bucketID]))
	for id := range s.bucketIndex[bucketID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		cd, ok := s.lookup(id)
		if !ok {
			continue
		}
		var content string
		var path string
		_ = cd.lane.submit(func() error {
			content = cd.doc.Content
			path = cd.doc.FilePath
			return nil
		})
		out[path] = content
	}
	return out
}

// StartModeB starts the background snapshot-persist ticker for bucketID,
// at the configured Mode B interval. Documents in that bucket must be
// materialized with mode=ModeB for the ticker to have anything to do;
// calling this twice for the same bucket is a no-op.
func (s *Server) StartModeB(bucketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modeBTickers[bucketID]; ok {
		return
	}
	ticker := time.NewTicker(s.cfg.ModeBInterval)
	s.modeBTickers[bucketID] = ticker
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := s.ForceSaveForBucket(context.Background(), bucketID); err != nil {
					s.log.Warn("mode B background save failed", zap.String("bucket_id", bucketID), zap.Error(err))
				}
			case <-s.stopped:
				return
			}
		}
	}()
}

// Stop cancels every Mode B background ticker. It does not save or evict
// any document; callers that want a clean shutdown should call SaveAll
// first.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.modeBTickers {
		t.Stop()
	}
}
