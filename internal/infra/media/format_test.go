package media

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniff(t *testing.T) {
	tests := []struct {
		name     string
		header   []byte
		expected Format
	}{
		{"wav", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), FormatWAV},
		{"riff but not wave", []byte("RIFF\x24\x00\x00\x00AVI "), FormatUnknown},
		{"flac", []byte("fLaC\x00\x00\x00\x22"), FormatFLAC},
		{"ogg", []byte("OggS\x00\x02"), FormatVorbis},
		{"mp3 id3", []byte("ID3\x04\x00"), FormatMP3},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x64}, FormatMP3},
		{"empty", nil, FormatUnknown},
		{"text", []byte("hello world!"), FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sniff(tt.header))
		})
	}
}

func TestDetectFormat(t *testing.T) {
	f, err := detectFormat(".mp3", []byte("RIFF\x24\x00\x00\x00WAVEfmt "))
	require.NoError(t, err)
	assert.Equal(t, FormatWAV, f, "magic bytes win over the extension")

	f, err = detectFormat(".ogg", []byte{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, FormatVorbis, f)

	_, err = detectFormat(".txt", []byte("plain"))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestFormat_String(t *testing.T) {
	assert.Equal(t, "wav", FormatWAV.String())
	assert.Equal(t, "mp3", FormatMP3.String())
	assert.Equal(t, "vorbis", FormatVorbis.String())
	assert.Equal(t, "flac", FormatFLAC.String())
	assert.Equal(t, "unknown", FormatUnknown.String())
}
