package ot

import "unicode/utf16"

// Builder is the only way to construct an Operation. It accumulates
// Retain/Insert/Delete components, keeping them in canonical form as they
// are appended: no adjacent components of the same type, no zero-length
// components, and inserts always ordered before a delete that immediately
// follows them in the same position (ot.js's insert-before-delete rule).
//
// Builder methods are chainable. A negative argument to Retain or Delete
// is sticky: it is recorded and returned by Build, and every further call
// on that Builder is a no-op.
type Builder struct {
	ops          []Op
	baseLength   int
	targetLength int
	err          error
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{ops: make([]Op, 0, 8)}
}

// Retain appends a retain component of length n.
func (b *Builder) Retain(n int) *Builder {
	if b.err != nil {
		return b
	}
	if n < 0 {
		b.err = newError(InvalidArgument, "retain: negative length")
		return b
	}
	if n == 0 {
		return b
	}
	if tail, ok := b.lastOp(); ok {
		if r, ok := tail.(RetainOp); ok {
			b.ops[len(b.ops)-1] = r + RetainOp(n)
			b.baseLength += n
			b.targetLength += n
			return b
		}
	}
	b.ops = append(b.ops, RetainOp(n))
	b.baseLength += n
	b.targetLength += n
	return b
}

// Insert appends an insert component carrying s. If the builder's last
// component is a Delete, the insert is spliced in before it, so that an
// Insert always precedes a Delete at the same position in canonical form.
func (b *Builder) Insert(s string) *Builder {
	if b.err != nil {
		return b
	}
	if s == "" {
		return b
	}
	b.targetLength += utf16Len(s)

	n := len(b.ops)
	if n > 0 {
		if last, ok := b.ops[n-1].(InsertOp); ok {
			b.ops[n-1] = last + InsertOp(s)
			return b
		}
		if n > 1 {
			if _, ok := b.ops[n-1].(DeleteOp); ok {
				if prev, ok := b.ops[n-2].(InsertOp); ok {
					b.ops[n-2] = prev + InsertOp(s)
					return b
				}
			}
		}
		if _, ok := b.ops[n-1].(DeleteOp); ok {
			b.ops = append(b.ops, nil)
			copy(b.ops[n:], b.ops[n-1:])
			b.ops[n-1] = InsertOp(s)
			return b
		}
	}
	b.ops = append(b.ops, InsertOp(s))
	return b
}

// Delete appends a delete component of length n.
func (b *Builder) Delete(n int) *Builder {
	if b.err != nil {
		return b
	}
	if n < 0 {
		b.err = newError(InvalidArgument, "delete: negative length")
		return b
	}
	if n == 0 {
		return b
	}
	if tail, ok := b.lastOp(); ok {
		if d, ok := tail.(DeleteOp); ok {
			b.ops[len(b.ops)-1] = d + DeleteOp(-n)
			b.baseLength += n
			return b
		}
	}
	b.ops = append(b.ops, DeleteOp(-n))
	b.baseLength += n
	return b
}

func (b *Builder) lastOp() (Op, bool) {
	if len(b.ops) == 0 {
		return nil, false
	}
	return b.ops[len(b.ops)-1], true
}

// Build finalizes the Operation. It returns the sticky error recorded by a
// prior negative-length Retain/Delete call, if any.
func (b *Builder) Build() (*Operation, error) {
	if b.err != nil {
		return nil, b.err
	}
	ops := make([]Op, len(b.ops))
	copy(ops, b.ops)
	return &Operation{ops: ops, baseLength: b.baseLength, targetLength: b.targetLength}, nil
}

// MustBuild finalizes the Operation, assuming the builder sequence is known
// to be valid (used internally by Compose and Transform, which only ever
// feed already-validated component lengths through the builder).
func (b *Builder) MustBuild() *Operation {
	op, err := b.Build()
	if err != nil {
		panic(err)
	}
	return op
}

// utf16Len returns the length of s in UTF-16 code units, matching the
// position space operations are defined over.
func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}
