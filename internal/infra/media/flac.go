package media

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/mewkiz/flac"
)

// flacDecoder decodes FLAC through mewkiz/flac, one frame at a time.
// Seeking uses reopen and skip.
type flacDecoder struct {
	rc      io.Closer
	stream  *flac.Stream // Reads through readerOnly, so rc is closed here
	pending [][2]float64 // Decoded frames not yet handed out
	frame   []float64
}

func newFLACDecoder(rc io.ReadSeekCloser) (*flacDecoder, error) {
	stream, err := flac.New(readerOnly{rc})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse FLAC stream")
	}
	if stream.Info.NChannels == 0 || stream.Info.SampleRate == 0 {
		return nil, errors.New("invalid FLAC stream info")
	}
	return &flacDecoder{
		rc:     rc,
		stream: stream,
		frame:  make([]float64, stream.Info.NChannels),
	}, nil
}

func (d *flacDecoder) SampleRate() beep.SampleRate {
	return beep.SampleRate(d.stream.Info.SampleRate)
}

func (d *flacDecoder) Len() (int, bool) {
	if n := d.stream.Info.NSamples; n > 0 {
		return int(n), true
	}
	return 0, false
}

func (d *flacDecoder) Decode(dst [][2]float64) (int, error) {
	for len(d.pending) == 0 {
		f, err := d.stream.ParseNext()
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		if err != nil {
			return 0, errors.Wrap(err, "failed to parse FLAC frame")
		}
		if len(f.Subframes) == 0 {
			continue
		}

		maxValue := float64(int64(1) << (f.BitsPerSample - 1))
		count := len(f.Subframes[0].Samples)
		for i := 0; i < count; i++ {
			for ch := range d.frame {
				if ch < len(f.Subframes) {
					d.frame[ch] = float64(f.Subframes[ch].Samples[i]) / maxValue
				}
			}
			d.pending = append(d.pending, stereo(d.frame))
		}
	}

	n := copy(dst, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *flacDecoder) Seek(int) error {
	return errSeekUnsupported
}

func (d *flacDecoder) Close() error {
	return d.rc.Close()
}
