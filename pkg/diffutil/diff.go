// Package diffutil turns a full-content replacement into a minimal
// Retain/Insert/Delete operation, so a client that resyncs by sending its
// entire buffer can still be treated as an ordinary OT submission.
package diffutil

import (
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/coreseekdev/quillwright/pkg/ot"
)

var dmp = diffmatchpatch.New()

// Operation computes the operation that turns oldContent into newContent,
// expressed as the minimal Equal/Insert/Delete segmentation diffmatchpatch
// finds between the two strings, folded into an ot.Builder in order.
//
// The returned operation's BaseLength always equals the UTF-16 length of
// oldContent, and its TargetLength always equals that of newContent, so it
// can be fed directly into the same Apply/Compose/Transform pipeline as any
// client-submitted operation.
func Operation(oldContent, newContent string) (*ot.Operation, error) {
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemanticLossless(diffs)

	b := ot.NewBuilder()
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			b.Retain(utf16Len(d.Text))
		case diffmatchpatch.DiffInsert:
			b.Insert(d.Text)
		case diffmatchpatch.DiffDelete:
			b.Delete(utf16Len(d.Text))
		}
	}
	return b.Build()
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
