package media

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gopxl/beep/v2"
)

// wavDecoder decodes PCM WAV through go-audio/wav. Seeking uses reopen and skip.
type wavDecoder struct {
	rc       io.Closer
	dec      *wav.Decoder
	buf      *audio.IntBuffer
	chans    int
	maxValue float64
	frames   int
	frame    []float64
}

func newWAVDecoder(rs io.ReadSeekCloser) (*wavDecoder, error) {
	dec := wav.NewDecoder(rs)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, errors.Wrap(err, "failed to seek to PCM data")
	}

	chans := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	if chans == 0 || bitDepth == 0 {
		return nil, errors.Newf("invalid WAV format: channels=%d bit_depth=%d", chans, bitDepth)
	}

	return &wavDecoder{
		rc:  rs,
		dec: dec,
		buf: &audio.IntBuffer{
			Format: &audio.Format{NumChannels: chans, SampleRate: int(dec.SampleRate)},
		},
		chans:    chans,
		maxValue: float64(audio.IntMaxSignedValue(bitDepth)),
		frames:   int(dec.PCMLen()) / (chans * bitDepth / 8),
		frame:    make([]float64, chans),
	}, nil
}

func (d *wavDecoder) SampleRate() beep.SampleRate {
	return beep.SampleRate(d.dec.SampleRate)
}

func (d *wavDecoder) Len() (int, bool) {
	return d.frames, true
}

func (d *wavDecoder) Decode(dst [][2]float64) (int, error) {
	need := len(dst) * d.chans
	if cap(d.buf.Data) < need {
		d.buf.Data = make([]int, need)
	}
	d.buf.Data = d.buf.Data[:need]

	n, err := d.dec.PCMBuffer(d.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, errors.Wrap(err, "failed to read PCM buffer")
	}
	if n == 0 {
		return 0, io.EOF
	}

	frames := n / d.chans
	for i := 0; i < frames; i++ {
		for ch := 0; ch < d.chans; ch++ {
			d.frame[ch] = float64(d.buf.Data[i*d.chans+ch]) / d.maxValue
		}
		dst[i] = stereo(d.frame)
	}
	return frames, nil
}

func (d *wavDecoder) Seek(int) error {
	return errSeekUnsupported
}

func (d *wavDecoder) Close() error {
	return d.rc.Close()
}
