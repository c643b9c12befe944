package predicates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_NestedKey(t *testing.T) {
	doc := []byte(`{"a":{"b":{"c":42}}}`)
	v, err := Extract(doc, "a.b.c")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}

func TestExtract_ArrayIndex(t *testing.T) {
	doc := []byte(`{"items":[{"name":"first"},{"name":"second"}]}`)
	v, err := Extract(doc, "items[1].name")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestExtract_BareArrayIndex(t *testing.T) {
	doc := []byte(`[10,20,30]`)
	v, err := Extract(doc, "[2]")
	require.NoError(t, err)
	assert.EqualValues(t, 30, v)
}

func TestExtract_OutOfRange(t *testing.T) {
	doc := []byte(`{"items":[1,2]}`)
	_, err := Extract(doc, "items[5]")
	assert.ErrorIs(t, err, errUnresolved)
}

func TestExtract_MissingKey(t *testing.T) {
	doc := []byte(`{"a":1}`)
	_, err := Extract(doc, "b.c")
	assert.ErrorIs(t, err, errUnresolved)
}

func TestExtract_InvalidDocument(t *testing.T) {
	_, err := Extract([]byte("not json"), "a")
	assert.Error(t, err)
}

func TestExtract_EmptyPathReturnsRoot(t *testing.T) {
	doc := []byte(`{"a":1}`)
	v, err := Extract(doc, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)
}

func TestSplitSegment(t *testing.T) {
	tests := []struct {
		name    string
		seg     string
		wantKey string
		wantIdx int
		wantHas bool
	}{
		{"plain key", "name", "name", 0, false},
		{"key with index", "items[3]", "items", 3, true},
		{"bare index", "[7]", "", 7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, idx, has := splitSegment(tt.seg)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantIdx, idx)
			assert.Equal(t, tt.wantHas, has)
		})
	}
}
