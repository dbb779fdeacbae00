package docserver

import "time"

// SaveMode selects how a bucket's documents are persisted on the debounce
// timer: Mode A writes both the relational revision pointer and the blob
// snapshot content on every debounce fire; Mode B writes only the
// relational revision pointer on debounce and relies on a slower,
// per-bucket background interval to catch up the blob snapshot.
type SaveMode int

const (
	// ModeA fires both writes on every debounce.
	ModeA SaveMode = iota
	// ModeB defers the blob write to a background interval.
	ModeB
)

// Document is the server's view of one editable document: its canonical
// content, the revision it is currently at, and the addressing the
// persistence adapter needs to find its relational row and blob object.
type Document struct {
	ID       string
	BucketID string
	FilePath string
	// BucketInfo is opaque routing metadata (e.g. S3 bucket name/region)
	// forwarded to the blob store verbatim; the core never inspects it.
	BucketInfo map[string]string
	Content    string
	Revision   uint64
}

// docID derives the cache/store key for a (bucketID, filePath) pair. The
// server never synthesizes IDs any other way, so two documents with the
// same bucket and path are always the same document.
func docID(bucketID, filePath string) string {
	return bucketID + ":" + filePath
}

// cachedDocument is the Document Cache's entry: the live document state,
// the serializer lane that owns all mutation of it, and the bookkeeping
// for debounced save and grace-period cleanup.
type cachedDocument struct {
	doc  Document
	mode SaveMode

	lane *lane

	dirty        bool
	saveTimer    *time.Timer
	cleanupTimer *time.Timer

	opsSinceCompact int
}
