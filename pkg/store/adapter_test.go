package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreseekdev/quillwright/pkg/ot"
	"github.com/coreseekdev/quillwright/pkg/store"
)

func TestAdapterSaveAndLoadSnapshot(t *testing.T) {
	rel := store.NewMemoryRelational()
	blob := store.NewMemoryBlob()
	a := store.New(rel, blob)
	ctx := context.Background()

	_, err := rel.EnsureDocument(ctx, "doc-1", "bucket", "a.txt")
	require.NoError(t, err)

	bucketInfo := map[string]string{"bucket": "bucket"}
	err = a.SaveSnapshot(ctx, store.Snapshot{
		DocumentID:      "doc-1",
		BucketID:        "bucket",
		BucketInfo:      bucketInfo,
		FilePath:        "a.txt",
		CurrentRevision: 3,
		Content:         "hello",
	})
	require.NoError(t, err)

	snap, ok, err := a.LoadSnapshot(ctx, "doc-1", bucketInfo, "a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", snap.Content)
	require.Equal(t, uint64(3), snap.CurrentRevision)
}

func TestAdapterAppendAndFetchOperations(t *testing.T) {
	rel := store.NewMemoryRelational()
	blob := store.NewMemoryBlob()
	a := store.New(rel, blob)
	ctx := context.Background()

	op, err := ot.NewBuilder().Insert("hi").Build()
	require.NoError(t, err)

	require.NoError(t, rel.AppendOperation(ctx, store.LogEntry{DocumentID: "doc-1", Revision: 1, AuthorID: "u1", Operation: op}))
	require.NoError(t, rel.AppendOperation(ctx, store.LogEntry{DocumentID: "doc-1", Revision: 2, AuthorID: "u1", Operation: op}))

	entries, err := rel.OperationsSince(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(1), entries[0].Revision)
	require.Equal(t, uint64(2), entries[1].Revision)

	entries, err = rel.OperationsSince(ctx, "doc-1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(2), entries[0].Revision)

	_ = a
}

func TestAdapterSaveSnapshotSanitizesContent(t *testing.T) {
	rel := store.NewMemoryRelational()
	blob := store.NewMemoryBlob()
	a := store.New(rel, blob)
	ctx := context.Background()

	_, err := rel.EnsureDocument(ctx, "doc-1", "bucket", "a.txt")
	require.NoError(t, err)

	require.NoError(t, a.SaveSnapshot(ctx, store.Snapshot{
		DocumentID:      "doc-1",
		FilePath:        "a.txt",
		CurrentRevision: 1,
		Content:         "a\x00b",
	}))

	snap, ok, err := a.LoadSnapshot(ctx, "doc-1", nil, "a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ab", snap.Content)
}

func TestMemoryRelationalAppendOperationDetectsConflict(t *testing.T) {
	rel := store.NewMemoryRelational()
	ctx := context.Background()
	op, err := ot.NewBuilder().Insert("hi").Build()
	require.NoError(t, err)

	require.NoError(t, rel.AppendOperation(ctx, store.LogEntry{DocumentID: "doc-1", Revision: 1, Operation: op}))
	err = rel.AppendOperation(ctx, store.LogEntry{DocumentID: "doc-1", Revision: 1, Operation: op})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestMemoryRelationalCompactKeepsMostRecent(t *testing.T) {
	rel := store.NewMemoryRelational()
	ctx := context.Background()
	op, err := ot.NewBuilder().Retain(1).Build()
	require.NoError(t, err)

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, rel.AppendOperation(ctx, store.LogEntry{DocumentID: "doc-1", Revision: i, Operation: op}))
	}
	require.NoError(t, rel.Compact(ctx, "doc-1", 3))

	entries, err := rel.OperationsSince(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(8), entries[0].Revision)
}
