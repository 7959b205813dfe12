package document

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, `null`},
		{"int and float agree", map[string]any{"hp": 10, "xp": float64(250)}, `{"hp":10,"xp":250}`},
		{"fraction", 1.5, `1.5`},
		{"sorted keys", Fields{"b": true, "a": "x"}, `{"a":"x","b":true}`},
		{"no html escape", "<b>&</b>", `"<b>&</b>"`},
		{"control chars", "a\nb\x01", `"a\nb\u0001"`},
		{"nested", map[string]any{"tags": []any{"elf", map[string]any{"z": 1, "y": 2}}}, `{"tags":["elf",{"y":2,"z":1}]}`},
		{"json number", json.Number("42"), `42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_NFC(t *testing.T) {
	// e + combining acute accent normalizes to the precomposed U+00E9.
	got, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestMarshalCanonical_Rejects(t *testing.T) {
	_, err := MarshalCanonical(math.NaN())
	assert.Error(t, err)

	_, err = MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00 and sorts before U+FF5E in
	// UTF-16, while UTF-8 byte order puts it after.
	in := map[string]any{"～": 1, "\U0001F600": 2}
	got, err := MarshalCanonical(in)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"～\":1}", string(got))
}

func TestEqualAndContains(t *testing.T) {
	doc := Fields{"name": "Grelda", "hp": float64(10), "tags": []any{"dwarf"}}

	assert.True(t, Equal(doc, Fields{"hp": 10, "tags": []any{"dwarf"}, "name": "Grelda"}))
	assert.False(t, Equal(doc, Fields{"hp": 10}))

	assert.True(t, Contains(doc, Fields{"hp": 10}))
	assert.True(t, Contains(doc, Fields{}))
	assert.False(t, Contains(doc, Fields{"hp": 5}))
	assert.False(t, Contains(doc, Fields{"mp": 1}))
}
