package gain

import (
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
)

// Band filter layout.
const (
	LowFrequency  = 250.0
	MidFrequency  = 1000.0
	MidQ          = 0.5
	HighFrequency = 4000.0
)

// Node is a snapshot of one node of the graph.
type Node struct {
	Knob  Knob
	Raw   float64 // Last raw value received
	Value float64 // dB for bands, linear amplitude for VOLUME
}

// Graph is the fixed low -> mid -> high -> volume chain.
// It is played permanently on the output device and renders silence while
// no input is connected.
type Graph struct {
	mu sync.Mutex

	sampleRate beep.SampleRate
	input      beep.Streamer

	bands  map[Knob]*biquad
	nodes  map[Knob]*Node
	volume *effects.Volume
}

// NewGraph creates a graph running at the given sample rate with flat EQ and unity volume.
func NewGraph(sampleRate beep.SampleRate) *Graph {
	g := &Graph{
		sampleRate: sampleRate,
		bands: map[Knob]*biquad{
			KnobLow:  newBiquad(lowShelf, LowFrequency, 0),
			KnobMid:  newBiquad(peaking, MidFrequency, MidQ),
			KnobHigh: newBiquad(highShelf, HighFrequency, 0),
		},
		nodes: make(map[Knob]*Node, len(Knobs)),
	}
	for _, k := range Knobs {
		g.nodes[k] = &Node{Knob: k}
	}
	g.nodes[KnobVolume].Raw = 1
	g.nodes[KnobVolume].Value = 1
	for k, f := range g.bands {
		f.configure(float64(sampleRate), g.nodes[k].Value)
	}
	g.volume = &effects.Volume{
		Streamer: bandStage{g: g},
		Base:     2,
		Volume:   0,
	}
	return g
}

// SampleRate returns the rate the graph renders at.
func (g *Graph) SampleRate() beep.SampleRate {
	return g.sampleRate
}

// SetGain maps raw through the knob's transfer function and applies it
// to the node immediately.
func (g *Graph) SetGain(knob Knob, raw float64) error {
	value, err := Transfer(knob, raw)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	node := g.nodes[knob]
	node.Raw = raw
	node.Value = value

	if knob == KnobVolume {
		g.volume.Silent = value == 0
		if value > 0 {
			g.volume.Volume = math.Log2(value)
		}
		return nil
	}
	g.bands[knob].configure(float64(g.sampleRate), value)
	return nil
}

// Node returns a snapshot of the node for knob.
func (g *Graph) Node(knob Knob) (Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[knob]
	if !ok {
		return Node{}, errors.Wrapf(ErrInvalidKnob, "unknown knob %q", string(knob))
	}
	return *node, nil
}

// Nodes returns snapshots of all nodes in signal-flow order.
func (g *Graph) Nodes() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := make([]Node, 0, len(Knobs))
	for _, k := range Knobs {
		result = append(result, *g.nodes[k])
	}
	return result
}

// Connect attaches s as the graph input, replacing any previous input.
func (g *Graph) Connect(s beep.Streamer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.input = s
	for _, f := range g.bands {
		f.reset()
	}
}

// Disconnect detaches the current input. The graph keeps rendering silence.
func (g *Graph) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.input = nil
}

// Connected returns true if an input is attached.
func (g *Graph) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.input != nil
}

// Stream implements beep.Streamer. It never drains.
func (g *Graph) Stream(samples [][2]float64) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.volume.Stream(samples)
	return len(samples), true
}

// Err implements beep.Streamer.
func (g *Graph) Err() error {
	return nil
}

// bandStage pulls from the graph input and runs the three band filters.
// Called with g.mu held.
type bandStage struct {
	g *Graph
}

func (s bandStage) Stream(samples [][2]float64) (int, bool) {
	g := s.g
	n := 0
	if g.input != nil {
		var ok bool
		n, ok = g.input.Stream(samples)
		if !ok {
			g.input = nil
		}
	}
	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	for _, k := range []Knob{KnobLow, KnobMid, KnobHigh} {
		g.bands[k].process(samples)
	}
	return len(samples), true
}

func (s bandStage) Err() error {
	return nil
}
