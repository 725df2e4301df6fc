package validation

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func padBytes(magic []byte, size int) []byte {
	if len(magic) >= size {
		return magic
	}
	return append(append([]byte(nil), magic...), make([]byte, size-len(magic))...)
}

func TestDetectMIME(t *testing.T) {
	ts := make([]byte, 400)
	ts[0], ts[188], ts[376] = 0x47, 0x47, 0x47

	tests := []struct {
		name    string
		data    []byte
		mime    string
		allowed bool
	}{
		{"matroska", padBytes([]byte{0x1A, 0x45, 0xDF, 0xA3, 0x42, 0x82, 0x88, 'm', 'a', 't', 'r', 'o', 's', 'k', 'a'}, 64), "video/x-matroska", true},
		{"webm", padBytes([]byte{0x1A, 0x45, 0xDF, 0xA3, 0x42, 0x82, 0x84, 'w', 'e', 'b', 'm'}, 64), "video/webm", true},
		{"mp4", padBytes([]byte("\x00\x00\x00\x18ftypisom"), 64), "video/mp4", true},
		{"quicktime", padBytes([]byte("\x00\x00\x00\x14ftypqt  "), 64), "video/quicktime", true},
		{"avi", padBytes([]byte("RIFF\x00\x00\x00\x00AVI LIST"), 64), "video/x-msvideo", true},
		{"transport stream", ts, "video/mp2t", true},
		{"png", padBytes([]byte("\x89PNG\r\n\x1a\n"), 64), "image/png", false},
		{"text", []byte("just some notes\n"), "text/plain; charset=utf-8", false},
		{"empty", nil, "application/octet-stream", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, allowed, err := DetectMIME(bytes.NewReader(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.mime, mime)
			assert.Equal(t, tt.allowed, allowed)
		})
	}
}

func TestCheckMediaFile(t *testing.T) {
	dir := t.TempDir()
	movie := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(movie, padBytes([]byte{0x1A, 0x45, 0xDF, 0xA3}, 64), 0644))
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("hello"), 0644))

	mime, err := CheckMediaFile(movie)
	require.NoError(t, err)
	assert.Equal(t, "video/x-matroska", mime)

	_, err = CheckMediaFile(notes)
	assert.ErrorIs(t, err, ErrNotMedia)

	_, err = CheckMediaFile(dir)
	assert.ErrorIs(t, err, ErrNotFile)

	_, err = CheckMediaFile(filepath.Join(dir, "missing.mkv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
