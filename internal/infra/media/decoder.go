package media

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
)

// errSeekUnsupported is returned by decoders that cannot seek natively.
var errSeekUnsupported = errors.New("native seek unsupported")

// decoder produces stereo PCM frames at its native sample rate.
type decoder interface {
	SampleRate() beep.SampleRate
	// Len returns the total number of frames, if known.
	Len() (int, bool)
	// Decode fills dst and returns the number of frames written.
	// Returns io.EOF once the stream is exhausted.
	Decode(dst [][2]float64) (int, error)
	// Seek moves to frame, or returns errSeekUnsupported.
	Seek(frame int) error
	Close() error
}

// openDecoder detects the format of rc and wraps it in the matching decoder.
// The decoder takes ownership of rc. Native seeking is only enabled when seekable.
func openDecoder(rc io.ReadSeekCloser, seekable bool, ext string) (decoder, error) {
	header := make([]byte, headerSize)
	n, err := io.ReadFull(rc, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to read header")
	}
	if _, err := rc.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to rewind after header")
	}

	format, err := detectFormat(ext, header[:n])
	if err != nil {
		return nil, err
	}

	var d decoder
	switch format {
	case FormatWAV:
		d, err = newWAVDecoder(rc)
	case FormatMP3:
		d, err = newMP3Decoder(rc, seekable)
	case FormatVorbis:
		d, err = newVorbisDecoder(rc, seekable)
	case FormatFLAC:
		d, err = newFLACDecoder(rc)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s decoder", format)
	}
	return d, nil
}

// readerOnly hides io.Seeker so decoders do not seek to a progressive stream's end.
type readerOnly struct {
	io.Reader
}

// skipFrames decodes and discards up to n frames. Returns the number skipped.
func skipFrames(d decoder, n int) (int, error) {
	buf := make([][2]float64, 4096)
	skipped := 0
	for skipped < n {
		want := min(len(buf), n-skipped)
		got, err := d.Decode(buf[:want])
		skipped += got
		if errors.Is(err, io.EOF) {
			return skipped, nil
		}
		if err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

// stereo maps one interleaved frame of any channel count to a stereo pair.
func stereo(frame []float64) [2]float64 {
	switch len(frame) {
	case 0:
		return [2]float64{}
	case 1:
		return [2]float64{frame[0], frame[0]}
	default:
		return [2]float64{frame[0], frame[1]}
	}
}
