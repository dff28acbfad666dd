package event

import (
	"encoding/json"
	"math"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"string", "x", "x"},
		{"bool", true, true},
		{"int", 3, int64(3)},
		{"int32", int32(-4), int64(-4)},
		{"uint8", uint8(5), int64(5)},
		{"float32", float32(0.5), float64(0.5)},
		{"float64", 9.99, 9.99},
		{"json int", json.Number("42"), int64(42)},
		{"json float", json.Number("4.5"), 4.5},
		{"invalid utf-8", "caf\xe9", "caf\uFFFD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeValue_Rejects(t *testing.T) {
	bad := []any{nil, math.Inf(1), math.NaN(), uint64(math.MaxUint64), []string{"a"}, map[string]any{}}
	for _, v := range bad {
		_, err := NormalizeValue(v)
		assert.Error(t, err, "value %#v", v)
	}
}

func TestNormalizeParameters_BlankKey(t *testing.T) {
	_, err := NormalizeParameters(map[string]any{"  ": 1})
	assert.Error(t, err)
}

func TestNormalizeParameters_KeyCollision(t *testing.T) {
	_, err := NormalizeParameters(map[string]any{"a": 1, " a": 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `both normalize to "a"`)
}

func TestNormalizeName_InvalidUTF8(t *testing.T) {
	assert.Equal(t, "caf\uFFFD", NormalizeName(" caf\xe9 "))
	assert.True(t, utf8.ValidString(NormalizeName("\xff\xfe")))
}

func TestMerge_LaterLayersWin(t *testing.T) {
	got, err := Merge(
		map[string]any{"app": "demo", "currency": "EUR"},
		map[string]any{"currency": "USD"},
		map[string]any{"currency": "GBP", "amount": 9.99},
	)
	require.NoError(t, err)
	assert.Equal(t, Parameters{"app": "demo", "currency": "GBP", "amount": 9.99}, got)
}

func TestMerge_NilLayers(t *testing.T) {
	got, err := Merge(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNormalizeCategories(t *testing.T) {
	assert.Equal(t, []string{AllCategory}, NormalizeCategories(nil))
	assert.Equal(t, []string{AllCategory}, NormalizeCategories([]string{"", "  "}))
	assert.Equal(t, []string{"commerce", "ui"}, NormalizeCategories([]string{" commerce", "ui", "commerce"}))
}

func TestSortedKeys_UTF16Order(t *testing.T) {
	// U+FF21 sorts before U+1F600 (surrogate pair D83D) under UTF-16 ordering
	// even though it sorts after it by code point.
	p := Parameters{"\U0001F600": 1, "Ａ": 2, "a": 3}
	assert.Equal(t, []string{"a", "\U0001F600", "Ａ"}, p.SortedKeys())
}
