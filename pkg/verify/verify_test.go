package verify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denkoushi/backupguard/pkg/config"
)

func TestVerifyEmptyPayloadAlwaysInvalid(t *testing.T) {
	// Even with matching expectations, an empty payload fails.
	result := Verify(nil, 0, "")
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "File is empty")

	result = Verify([]byte{}, 0, Hash(nil))
	assert.False(t, result.Valid)
}

func TestVerifyHashMismatch(t *testing.T) {
	data := []byte("-- PostgreSQL database dump\nCREATE TABLE items();\n")

	result := Verify(data, 0, strings.Repeat("ab", 32))
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Hash mismatch")
}

func TestVerifyHashMatchIsCaseInsensitive(t *testing.T) {
	data := []byte("payload")

	result := Verify(data, int64(len(data)), strings.ToUpper(Hash(data)))
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int64(len(data)), result.FileSize)
}

func TestVerifySizeMismatch(t *testing.T) {
	result := Verify([]byte("abcdef"), 5, "")
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Size mismatch")
}

func TestVerifyCollectsAllReasons(t *testing.T) {
	result := Verify([]byte("abc"), 99, strings.Repeat("00", 32))
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 2)
}

func TestVerifyFormat(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		kind        string
		shouldError bool
	}{
		{
			name: "plain SQL dump",
			data: []byte("--\n-- PostgreSQL database dump\n--\n"),
			kind: config.KindDatabase,
		},
		{
			name: "gzipped dump accepted on magic",
			data: []byte{0x1f, 0x8b, 0x08, 0x00},
			kind: config.KindDatabase,
		},
		{
			name:        "binary junk is not a dump",
			data:        []byte{0x00, 0x01, 0x02, 0x03},
			kind:        config.KindDatabase,
			shouldError: true,
		},
		{
			name: "csv with commas",
			data: []byte("id,name"),
			kind: config.KindCsv,
		},
		{
			name: "csv with only newlines",
			data: []byte("a\nb"),
			kind: config.KindCsv,
		},
		{
			name:        "csv without structure",
			data:        []byte("justoneword"),
			kind:        config.KindCsv,
			shouldError: true,
		},
		{
			name: "directory archive",
			data: []byte{0x1f, 0x8b, 0x08},
			kind: config.KindDirectory,
		},
		{
			name:        "directory payload without gzip header",
			data:        []byte("not an archive"),
			kind:        config.KindImage,
			shouldError: true,
		},
		{
			name:        "empty payload",
			data:        nil,
			kind:        config.KindFile,
			shouldError: true,
		},
		{
			name: "file kind accepts anything non-empty",
			data: []byte{0x42},
			kind: config.KindFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyFormat(tt.data, tt.kind)
			if tt.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
