package ot

import (
	"fmt"
	"strings"
)

// Operation is an immutable sequence of Retain/Insert/Delete components
// that transforms a document from one state to another. Operations are
// built exclusively through Builder and are safe for concurrent use once
// built.
//
// The structure corresponds to ot.js's TextOperation class.
type Operation struct {
	ops          []Op
	baseLength   int
	targetLength int
}

// BaseLength returns the length, in UTF-16 code units, of the document
// this operation expects to be applied to.
func (op *Operation) BaseLength() int {
	return op.baseLength
}

// TargetLength returns the length, in UTF-16 code units, of the document
// that results from applying this operation.
func (op *Operation) TargetLength() int {
	return op.targetLength
}

// IsNoop returns true if this operation has no effect: it is empty, or it
// contains only a single retain component.
func (op *Operation) IsNoop() bool {
	if len(op.ops) == 0 {
		return true
	}
	if len(op.ops) == 1 && IsRetain(op.ops[0]) {
		return true
	}
	return false
}

// Components returns the operation's components in order. The returned
// slice must not be mutated.
func (op *Operation) Components() []Op {
	return op.ops
}

// Equals reports whether two operations have the same base/target length
// and the same sequence of components.
func (op *Operation) Equals(other *Operation) bool {
	if op.baseLength != other.baseLength || op.targetLength != other.targetLength {
		return false
	}
	if len(op.ops) != len(other.ops) {
		return false
	}
	for i := range op.ops {
		if op.ops[i] != other.ops[i] {
			return false
		}
	}
	return true
}

// String returns a debug representation, e.g. `retain 5, insert "Hello", delete 3`.
func (op *Operation) String() string {
	parts := make([]string, len(op.ops))
	for i, c := range op.ops {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// Apply applies this operation to a plain string document.
func (op *Operation) Apply(str string) (string, error) {
	doc := NewStringDocument(str)
	result, err := op.ApplyToDocument(doc)
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

// ApplyToDocument applies this operation to any Document implementation.
//
// Operations address positions in UTF-16 code units (to match how
// browser-side OT clients measure strings), while Go strings are indexed
// by byte and iterated by rune. ApplyToDocument builds a UTF-16-to-rune
// position table once and walks it alongside the operation's components.
func (op *Operation) ApplyToDocument(doc Document) (Document, error) {
	if op.baseLength != docUTF16Length(doc) {
		return nil, ErrInvalidBaseLength
	}

	str := doc.String()
	runes := []rune(str)

	utf16ToRunePos := make([]int, 0, len(runes)*2)
	runePos := 0
	utf16Pos := 0
	for _, r := range runes {
		utf16ToRunePos = append(utf16ToRunePos, runePos)
		if r >= 0x10000 {
			utf16ToRunePos = append(utf16ToRunePos, runePos)
			utf16Pos += 2
		} else {
			utf16Pos++
		}
		runePos++
	}
	utf16ToRunePos = append(utf16ToRunePos, runePos)

	currentUTF16Pos := 0

	var builder strings.Builder
	builder.Grow(op.targetLength)

	for _, c := range op.ops {
		switch v := c.(type) {
		case RetainOp:
			count := int(v)
			endUTF16Pos := currentUTF16Pos + count
			if endUTF16Pos > len(utf16ToRunePos)-1 {
				return nil, newError(InvariantViolation, "retain runs past the end of the document")
			}
			startRunePos := utf16ToRunePos[currentUTF16Pos]
			endRunePos := utf16ToRunePos[endUTF16Pos]
			for i := startRunePos; i < endRunePos; i++ {
				builder.WriteRune(runes[i])
			}
			currentUTF16Pos = endUTF16Pos

		case InsertOp:
			builder.WriteString(string(v))

		case DeleteOp:
			count := -int(v)
			endUTF16Pos := currentUTF16Pos + count
			if endUTF16Pos > len(utf16ToRunePos)-1 {
				return nil, newError(InvariantViolation, "delete runs past the end of the document")
			}
			currentUTF16Pos = endUTF16Pos
		}
	}

	if currentUTF16Pos != utf16Pos {
		return nil, newError(InvariantViolation, "operation did not span the whole document")
	}

	return NewStringDocument(builder.String()), nil
}

// docUTF16Length returns the UTF-16 length of a Document's content. String
// documents report this directly; any other Document implementation pays
// the cost of one extra scan.
func docUTF16Length(doc Document) int {
	if sd, ok := doc.(*StringDocument); ok {
		return sd.UTF16Length()
	}
	return utf16Len(doc.String())
}

// ToJSON converts this operation to the wire format: positive ints are
// Retain, strings are Insert, negative ints are Delete.
func (op *Operation) ToJSON() []interface{} {
	result := make([]interface{}, len(op.ops))
	for i, c := range op.ops {
		switch v := c.(type) {
		case RetainOp:
			result[i] = int(v)
		case InsertOp:
			result[i] = string(v)
		case DeleteOp:
			result[i] = int(v)
		}
	}
	return result
}

// FromJSON parses the wire format produced by ToJSON back into an
// Operation, rejecting anything that is not a nonzero int or a nonempty
// string.
func FromJSON(ops []interface{}) (*Operation, error) {
	builder := NewBuilder()

	for _, raw := range ops {
		switch v := raw.(type) {
		case int:
			if v == 0 {
				return nil, newError(InvalidEncoding, "zero-length component")
			}
			if v > 0 {
				builder.Retain(v)
			} else if v < 0 {
				builder.Delete(-v)
			}
		case float64:
			// encoding/json decodes untyped numbers as float64.
			n := int(v)
			if float64(n) != v {
				return nil, newError(InvalidEncoding, fmt.Sprintf("non-integer component: %v", v))
			}
			if n == 0 {
				return nil, newError(InvalidEncoding, "zero-length component")
			}
			if n > 0 {
				builder.Retain(n)
			} else if n < 0 {
				builder.Delete(-n)
			}
		case string:
			if v == "" {
				return nil, newError(InvalidEncoding, "empty insert component")
			}
			builder.Insert(v)
		default:
			return nil, newError(InvalidEncoding, fmt.Sprintf("unknown component type: %T", raw))
		}
	}

	return builder.Build()
}

