package ot

// Document is the minimal surface Apply/ApplyToDocument need from whatever
// holds a document's content. quillwright only ships StringDocument, but
// keeping this as an interface rather than hard-coding string content lets
// a caller swap in its own storage (e.g. a piece table) without touching
// the OT algebra.
type Document interface {
	// Length is the document's length in bytes. ApplyToDocument converts
	// this to UTF-16 code units itself; it does not trust Length() to
	// already be in that unit.
	Length() int

	String() string

	// Slice returns the substring from byte offset start to end
	// (exclusive).
	Slice(start, end int) string

	Bytes() []byte

	// Clone returns an independent copy; ApplyToDocument never mutates
	// its input in place.
	Clone() Document
}
