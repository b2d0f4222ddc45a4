package media

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/jfreymuth/oggvorbis"
)

// vorbisDecoder decodes Ogg Vorbis through oggvorbis.
type vorbisDecoder struct {
	rc       io.Closer
	dec      *oggvorbis.Reader
	seekable bool
	chans    int
	buf      []float32
	frame    []float64
}

func newVorbisDecoder(rc io.ReadSeekCloser, seekable bool) (*vorbisDecoder, error) {
	var r io.Reader = rc
	if !seekable {
		r = readerOnly{rc}
	}
	dec, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse Ogg Vorbis stream")
	}
	chans := dec.Channels()
	if chans <= 0 {
		return nil, errors.Newf("invalid channel count %d", chans)
	}
	return &vorbisDecoder{
		rc:       rc,
		dec:      dec,
		seekable: seekable,
		chans:    chans,
		frame:    make([]float64, chans),
	}, nil
}

func (d *vorbisDecoder) SampleRate() beep.SampleRate {
	return beep.SampleRate(d.dec.SampleRate())
}

func (d *vorbisDecoder) Len() (int, bool) {
	if l := d.dec.Length(); l > 0 {
		return int(l), true
	}
	return 0, false
}

func (d *vorbisDecoder) Decode(dst [][2]float64) (int, error) {
	need := len(dst) * d.chans
	if cap(d.buf) < need {
		d.buf = make([]float32, need)
	}
	d.buf = d.buf[:need]

	// Read returns the number of interleaved values.
	n, err := d.dec.Read(d.buf)
	frames := n / d.chans
	for i := 0; i < frames; i++ {
		for ch := 0; ch < d.chans; ch++ {
			d.frame[ch] = float64(d.buf[i*d.chans+ch])
		}
		dst[i] = stereo(d.frame)
	}

	switch {
	case err == nil:
		return frames, nil
	case errors.Is(err, io.EOF):
		if frames == 0 {
			return 0, io.EOF
		}
		return frames, nil
	default:
		return frames, errors.Wrap(err, "failed to decode Vorbis")
	}
}

func (d *vorbisDecoder) Seek(frame int) error {
	if !d.seekable {
		return errSeekUnsupported
	}
	if err := d.dec.SetPosition(int64(frame)); err != nil {
		return errors.Wrapf(err, "failed to seek Vorbis to frame %d", frame)
	}
	return nil
}

func (d *vorbisDecoder) Close() error {
	return d.rc.Close()
}
