// Package playbacktest provides in-memory resources and schedulers for tests.
package playbacktest

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"

	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/app/watchdog"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

// Resource is a fake playback.Resource that records every call.
type Resource struct {
	mu sync.Mutex

	Item       queue.Item
	Generation playback.Generation
	sink       playback.Sink

	playing  bool
	position time.Duration
	seeks    []time.Duration
	plays    int
	pauses   int
	closed   bool
	SeekErr  error
}

// Streamer returns a silent streamer.
func (r *Resource) Streamer() beep.Streamer {
	return beep.Silence(-1)
}

// Play records a play request.
func (r *Resource) Play() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plays++
	r.playing = true
}

// Pause records a pause request.
func (r *Resource) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses++
	r.playing = false
}

// Seek records the seek position.
func (r *Resource) Seek(pos time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SeekErr != nil {
		return r.SeekErr
	}
	r.seeks = append(r.seeks, pos)
	r.position = pos
	return nil
}

// Position returns the last seek or SetPosition value.
func (r *Resource) Position() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// SetPosition moves the fake playhead without recording a seek.
func (r *Resource) SetPosition(pos time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.position = pos
}

// Close marks the resource closed.
func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.playing = false
	return nil
}

// Closed returns true once Close was called.
func (r *Resource) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Playing returns true if the last request was Play.
func (r *Resource) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// Seeks returns the recorded seek positions.
func (r *Resource) Seeks() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.seeks...)
}

// Plays returns the number of Play calls.
func (r *Resource) Plays() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plays
}

// Report sends a callback for this resource's generation through its sink.
func (r *Resource) Report(cb playback.Callback) {
	cb.Generation = r.Generation
	r.sink(cb)
}

// Loaded reports a loaded callback.
func (r *Resource) Loaded(duration time.Duration, known bool) {
	r.Report(playback.Callback{Kind: playback.CallbackLoaded, Duration: duration, DurationKnown: known})
}

// Progress reports forward progress to pos.
func (r *Resource) Progress(pos time.Duration) {
	r.SetPosition(pos)
	r.Report(playback.Callback{Kind: playback.CallbackProgress, Position: pos})
}

// Factory is a fake playback.Factory.
type Factory struct {
	mu sync.Mutex

	Resources []*Resource
	// Err, when set, is returned by the next Open call.
	Err error
}

// Open creates a fake resource.
func (f *Factory) Open(item queue.Item, gen playback.Generation, sink playback.Sink) (playback.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		err := f.Err
		f.Err = nil
		return nil, errors.Wrap(err, "fake open")
	}
	r := &Resource{Item: item, Generation: gen, sink: sink}
	f.Resources = append(f.Resources, r)
	return r, nil
}

// Last returns the most recently opened resource.
func (f *Factory) Last() *Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Resources) == 0 {
		return nil
	}
	return f.Resources[len(f.Resources)-1]
}

// Opened returns the number of resources opened.
func (f *Factory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Resources)
}

// Graph is a fake playback.Connector.
type Graph struct {
	mu          sync.Mutex
	input       beep.Streamer
	connects    int
	disconnects int
}

// Connect records the input.
func (g *Graph) Connect(s beep.Streamer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.input = s
	g.connects++
}

// Disconnect clears the input.
func (g *Graph) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.input = nil
	g.disconnects++
}

// Connected returns true if an input is attached.
func (g *Graph) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.input != nil
}

// Scheduler is a manual watchdog.Scheduler. Tasks run only when fired.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*task
}

type task struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	done      bool
}

// AfterFunc records a task.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) watchdog.Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &task{delay: d, fn: fn}
	s.tasks = append(s.tasks, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

// Pending returns the number of armed tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if !t.cancelled && !t.done {
			n++
		}
	}
	return n
}

// FireAll runs every armed task, as if their deadlines passed.
// Returns the number of tasks fired.
func (s *Scheduler) FireAll() int {
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if !t.cancelled && !t.done {
			t.done = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}
