package ot_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreseekdev/quillwright/pkg/ot"
)

func build(t *testing.T) func(fn func(b *ot.Builder)) *ot.Operation {
	return func(fn func(b *ot.Builder)) *ot.Operation {
		b := ot.NewBuilder()
		fn(b)
		op, err := b.Build()
		require.NoError(t, err)
		return op
	}
}

func TestBuilderCanonicalForm(t *testing.T) {
	op, err := ot.NewBuilder().Retain(2).Retain(3).Insert("a").Insert("b").Delete(1).Delete(2).Build()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{5, "ab", -3}, op.ToJSON())
}

func TestBuilderDropsZeroLength(t *testing.T) {
	op, err := ot.NewBuilder().Retain(0).Insert("").Delete(0).Retain(4).Build()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{4}, op.ToJSON())
}

func TestBuilderInsertBeforeDelete(t *testing.T) {
	op, err := ot.NewBuilder().Retain(1).Delete(2).Insert("x").Build()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, "x", -2}, op.ToJSON())
}

func TestBuilderRejectsNegativeLengths(t *testing.T) {
	_, err := ot.NewBuilder().Retain(-1).Build()
	require.Error(t, err)
	var otErr *ot.Error
	require.ErrorAs(t, err, &otErr)
	assert.Equal(t, ot.InvalidArgument, otErr.Kind)

	_, err = ot.NewBuilder().Delete(-5).Build()
	require.Error(t, err)
}

func TestApply(t *testing.T) {
	op, err := ot.NewBuilder().Retain(6).Insert("Go ").Delete(5).Build()
	require.NoError(t, err)
	result, err := op.Apply("Hello World")
	require.NoError(t, err)
	assert.Equal(t, "Hello Go ", result)
}

func TestApplyRejectsLengthMismatch(t *testing.T) {
	op, err := ot.NewBuilder().Retain(3).Build()
	require.NoError(t, err)
	_, err = op.Apply("Hello")
	require.Error(t, err)
	var otErr *ot.Error
	require.ErrorAs(t, err, &otErr)
	assert.Equal(t, ot.LengthMismatch, otErr.Kind)
}

func TestApplyHandlesAstralCharacters(t *testing.T) {
	// U+1F600 (grinning face) is one rune but two UTF-16 code units.
	src := "a\U0001F600b"
	op, err := ot.NewBuilder().Retain(4).Insert("!").Build()
	require.NoError(t, err)
	result, err := op.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, src+"!", result)
}

func TestComposeMatchesSequentialApply(t *testing.T) {
	op1, err := ot.NewBuilder().Insert("Hello ").Build()
	require.NoError(t, err)
	op2, err := ot.NewBuilder().Retain(6).Insert("World").Build()
	require.NoError(t, err)

	composed, err := ot.Compose(op1, op2)
	require.NoError(t, err)

	direct, err := op1.Apply("")
	require.NoError(t, err)
	direct, err = op2.Apply(direct)
	require.NoError(t, err)

	viaCompose, err := composed.Apply("")
	require.NoError(t, err)

	assert.Equal(t, direct, viaCompose)
}

func TestTransformConverges(t *testing.T) {
	base := "Hello World"
	op1, err := ot.NewBuilder().Retain(6).Insert("Go ").Retain(5).Build()
	require.NoError(t, err)
	op2, err := ot.NewBuilder().Retain(11).Insert("!").Build()
	require.NoError(t, err)

	op1Prime, op2Prime, err := ot.Transform(op1, op2)
	require.NoError(t, err)

	left, err := op1.Apply(base)
	require.NoError(t, err)
	left, err = op2Prime.Apply(left)
	require.NoError(t, err)

	right, err := op2.Apply(base)
	require.NoError(t, err)
	right, err = op1Prime.Apply(right)
	require.NoError(t, err)

	assert.Equal(t, left, right)
}

func TestTransformInsertTieBreak(t *testing.T) {
	op1, err := ot.NewBuilder().Insert("A").Build()
	require.NoError(t, err)
	op2, err := ot.NewBuilder().Insert("B").Build()
	require.NoError(t, err)

	op1Prime, op2Prime, err := ot.Transform(op1, op2)
	require.NoError(t, err)

	left, err := op1.Apply("")
	require.NoError(t, err)
	left, err = op2Prime.Apply(left)
	require.NoError(t, err)

	assert.Equal(t, "AB", left)

	right, err := op2.Apply("")
	require.NoError(t, err)
	right, err = op1Prime.Apply(right)
	require.NoError(t, err)

	assert.Equal(t, "AB", right)
}

func TestToJSONFromJSONRoundTrip(t *testing.T) {
	op, err := ot.NewBuilder().Retain(2).Insert("hi").Delete(3).Build()
	require.NoError(t, err)

	wire := op.ToJSON()
	roundTripped, err := ot.FromJSON(wire)
	require.NoError(t, err)
	assert.True(t, op.Equals(roundTripped))
}

func TestFromJSONRejectsUnknownType(t *testing.T) {
	_, err := ot.FromJSON([]interface{}{true})
	require.Error(t, err)
	var otErr *ot.Error
	require.ErrorAs(t, err, &otErr)
	assert.Equal(t, ot.InvalidEncoding, otErr.Kind)
}

func TestMarshalUnmarshalJSON(t *testing.T) {
	op, err := ot.NewBuilder().Retain(1).Insert("z").Build()
	require.NoError(t, err)

	data, err := op.MarshalJSON()
	require.NoError(t, err)

	var decoded ot.Operation
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.True(t, op.Equals(&decoded))
}

func TestIsNoop(t *testing.T) {
	b := build(t)
	assert.True(t, b(func(b *ot.Builder) {}).IsNoop())
	assert.True(t, b(func(b *ot.Builder) { b.Retain(5) }).IsNoop())
	assert.False(t, b(func(b *ot.Builder) { b.Insert("x") }).IsNoop())
}
