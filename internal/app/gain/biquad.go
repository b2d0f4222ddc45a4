package gain

import "math"

type filterType int

const (
	lowShelf filterType = iota
	peaking
	highShelf
)

// biquad is a stereo direct form I filter with RBJ cookbook coefficients.
type biquad struct {
	kind filterType
	freq float64
	q    float64

	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     [2]float64
}

func newBiquad(kind filterType, freq, q float64) *biquad {
	f := &biquad{kind: kind, freq: freq, q: q}
	f.b0 = 1 // identity until configured
	return f
}

// configure recomputes coefficients for the given gain.
// Filter history is kept so a gain change does not click.
func (f *biquad) configure(sampleRate, gainDB float64) {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * f.freq / sampleRate
	cosw, sinw := math.Cos(w0), math.Sin(w0)

	var b0, b1, b2, a0, a1, a2 float64
	switch f.kind {
	case peaking:
		alpha := sinw / (2 * f.q)
		b0 = 1 + alpha*a
		b1 = -2 * cosw
		b2 = 1 - alpha*a
		a0 = 1 + alpha/a
		a1 = -2 * cosw
		a2 = 1 - alpha/a
	case lowShelf:
		alpha := sinw / 2 * math.Sqrt2 // shelf slope S = 1
		sq := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) - (a-1)*cosw + sq)
		b1 = 2 * a * ((a - 1) - (a+1)*cosw)
		b2 = a * ((a + 1) - (a-1)*cosw - sq)
		a0 = (a + 1) + (a-1)*cosw + sq
		a1 = -2 * ((a - 1) + (a+1)*cosw)
		a2 = (a + 1) + (a-1)*cosw - sq
	case highShelf:
		alpha := sinw / 2 * math.Sqrt2
		sq := 2 * math.Sqrt(a) * alpha
		b0 = a * ((a + 1) + (a-1)*cosw + sq)
		b1 = -2 * a * ((a - 1) + (a+1)*cosw)
		b2 = a * ((a + 1) + (a-1)*cosw - sq)
		a0 = (a + 1) - (a-1)*cosw + sq
		a1 = 2 * ((a - 1) - (a+1)*cosw)
		a2 = (a + 1) - (a-1)*cosw - sq
	}

	f.b0, f.b1, f.b2 = b0/a0, b1/a0, b2/a0
	f.a1, f.a2 = a1/a0, a2/a0
}

func (f *biquad) process(samples [][2]float64) {
	for i := range samples {
		for c := 0; c < 2; c++ {
			x := samples[i][c]
			y := f.b0*x + f.b1*f.x1[c] + f.b2*f.x2[c] - f.a1*f.y1[c] - f.a2*f.y2[c]
			f.x2[c], f.x1[c] = f.x1[c], x
			f.y2[c], f.y1[c] = f.y1[c], y
			samples[i][c] = y
		}
	}
}

func (f *biquad) reset() {
	f.x1, f.x2, f.y1, f.y2 = [2]float64{}, [2]float64{}, [2]float64{}, [2]float64{}
}
