package media

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	gomp3 "github.com/hajimehoshi/go-mp3"
)

// go-mp3 always produces 16-bit little-endian stereo.
const mp3FrameBytes = 4

// mp3Decoder decodes MPEG audio through go-mp3.
type mp3Decoder struct {
	rc       io.Closer
	dec      *gomp3.Decoder
	seekable bool
	buf      []byte
}

func newMP3Decoder(rc io.ReadSeekCloser, seekable bool) (*mp3Decoder, error) {
	var r io.Reader = rc
	if !seekable {
		r = readerOnly{rc}
	}
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse MP3 stream")
	}
	return &mp3Decoder{rc: rc, dec: dec, seekable: seekable}, nil
}

func (d *mp3Decoder) SampleRate() beep.SampleRate {
	return beep.SampleRate(d.dec.SampleRate())
}

func (d *mp3Decoder) Len() (int, bool) {
	if l := d.dec.Length(); l > 0 {
		return int(l / mp3FrameBytes), true
	}
	return 0, false
}

func (d *mp3Decoder) Decode(dst [][2]float64) (int, error) {
	need := len(dst) * mp3FrameBytes
	if cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	d.buf = d.buf[:need]

	n, err := io.ReadFull(d.dec, d.buf)
	frames := n / mp3FrameBytes
	for i := 0; i < frames; i++ {
		b := d.buf[i*mp3FrameBytes:]
		l := int16(binary.LittleEndian.Uint16(b[0:2]))
		r := int16(binary.LittleEndian.Uint16(b[2:4]))
		dst[i] = [2]float64{float64(l) / 32768, float64(r) / 32768}
	}

	switch {
	case err == nil:
		return frames, nil
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		if frames == 0 {
			return 0, io.EOF
		}
		return frames, nil
	default:
		return frames, errors.Wrap(err, "failed to decode MP3")
	}
}

func (d *mp3Decoder) Seek(frame int) error {
	if !d.seekable {
		return errSeekUnsupported
	}
	if _, err := d.dec.Seek(int64(frame)*mp3FrameBytes, io.SeekStart); err != nil {
		return errors.Wrapf(err, "failed to seek MP3 to frame %d", frame)
	}
	return nil
}

func (d *mp3Decoder) Close() error {
	return d.rc.Close()
}
