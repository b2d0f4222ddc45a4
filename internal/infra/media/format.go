package media

import (
	"bytes"

	"github.com/cockroachdb/errors"
)

// ErrUnsupportedFormat is returned when a locator does not hold a known audio format.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Format identifies an audio container/codec.
type Format int

const (
	FormatUnknown Format = iota
	FormatWAV
	FormatMP3
	FormatVorbis
	FormatFLAC
)

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatWAV:
		return "wav"
	case FormatMP3:
		return "mp3"
	case FormatVorbis:
		return "vorbis"
	case FormatFLAC:
		return "flac"
	default:
		return "unknown"
	}
}

// headerSize is the number of leading bytes needed by Sniff.
const headerSize = 12

// FormatFromExtension maps a lowercase file extension to a format.
func FormatFromExtension(ext string) Format {
	switch ext {
	case ".wav", ".wave":
		return FormatWAV
	case ".mp3":
		return FormatMP3
	case ".ogg", ".oga":
		return FormatVorbis
	case ".flac":
		return FormatFLAC
	default:
		return FormatUnknown
	}
}

// Sniff detects the format from the leading bytes of a stream.
func Sniff(header []byte) Format {
	switch {
	case len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")):
		return FormatWAV
	case bytes.HasPrefix(header, []byte("fLaC")):
		return FormatFLAC
	case bytes.HasPrefix(header, []byte("OggS")):
		return FormatVorbis
	case bytes.HasPrefix(header, []byte("ID3")):
		return FormatMP3
	case len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatUnknown
	}
}

// detectFormat prefers the magic bytes and falls back to the extension.
func detectFormat(ext string, header []byte) (Format, error) {
	if f := Sniff(header); f != FormatUnknown {
		return f, nil
	}
	if f := FormatFromExtension(ext); f != FormatUnknown {
		return f, nil
	}
	return FormatUnknown, errors.Wrapf(ErrUnsupportedFormat, "extension %q", ext)
}
