package metadata

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		val  Value
	}{
		{"Null", Null()},
		{"IntMin", Int(math.MinInt64)},
		{"IntMax", Int(math.MaxInt64)},
		{"Float", Float(3.14159)},
		{"FloatInf", Float(math.Inf(1))},
		{"String", String("hello world")},
		{"StringEmpty", String("")},
		{"StringNonAscii", String("こんにちは")},
		{"Bool", Bool(true)},
		{"Array", Array([]Value{Int(1), String("a")})},
		{"NestedArray", Array([]Value{Int(1), Array([]Value{Int(2)})})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Document{"key": tt.val}.MarshalBinary()
			require.NoError(t, err)

			var got Document
			require.NoError(t, got.UnmarshalBinary(b))
			assert.Equal(t, Document{"key": tt.val}, got)
		})
	}
}

func TestBinaryDeterministic(t *testing.T) {
	doc := Document{"b": Int(2), "a": Int(1), "c": String("x")}
	first, err := doc.MarshalBinary()
	require.NoError(t, err)
	for range 10 {
		again, err := doc.Clone().MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBinaryRejectsMalformed(t *testing.T) {
	valid, err := Document{
		"name": String("alpha"),
		"list": Array([]Value{Float(1), Bool(false)}),
	}.MarshalBinary()
	require.NoError(t, err)

	// Every strict prefix must fail cleanly.
	for i := 0; i < len(valid); i++ {
		var d Document
		err := d.UnmarshalBinary(valid[:i])
		assert.ErrorIs(t, err, ErrInvalidEncoding, "prefix %d", i)
	}

	t.Run("HugeCount", func(t *testing.T) {
		var d Document
		assert.ErrorIs(t, d.UnmarshalBinary([]byte{0xff, 0xff, 0xff, 0xff, 0x0f}), ErrInvalidEncoding)
	})

	t.Run("HugeArray", func(t *testing.T) {
		buf := []byte{1, 1, 'k', byte(KindArray), 0xff, 0xff, 0xff, 0x7f}
		var d Document
		assert.ErrorIs(t, d.UnmarshalBinary(buf), ErrInvalidEncoding)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		var d Document
		assert.ErrorIs(t, d.UnmarshalBinary([]byte{1, 1, 'k', 99}), ErrInvalidEncoding)
	})

	t.Run("TrailingBytes", func(t *testing.T) {
		var d Document
		assert.ErrorIs(t, d.UnmarshalBinary(append(valid, 0)), ErrInvalidEncoding)
	})
}
