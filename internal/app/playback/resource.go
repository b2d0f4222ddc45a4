package playback

import (
	"time"

	"github.com/gopxl/beep/v2"

	"github.com/osa030/orchestrion/internal/domain/queue"
)

// Generation tags a session and every asynchronous completion belonging to it.
// Generations increase monotonically; a callback whose generation differs from
// the live session's is stale.
type Generation uint64

// CallbackKind represents the kind of an asynchronous completion.
type CallbackKind int

const (
	CallbackLoaded        CallbackKind = iota // Metadata loaded, resource can play and seek
	CallbackFailed                            // Load or decode failed
	CallbackStalled                           // Buffer underrun
	CallbackProgress                          // Forward progress (position moved)
	CallbackEnded                             // Natural completion
	CallbackDurationKnown                     // Total duration learnt after loading
	CallbackStallTimeout                      // Watchdog timer fired
	CallbackLoadTimeout                       // Load deadline passed
)

// String returns the string representation of the callback kind.
func (k CallbackKind) String() string {
	switch k {
	case CallbackLoaded:
		return "loaded"
	case CallbackFailed:
		return "failed"
	case CallbackStalled:
		return "stalled"
	case CallbackProgress:
		return "progress"
	case CallbackEnded:
		return "ended"
	case CallbackDurationKnown:
		return "duration_known"
	case CallbackStallTimeout:
		return "stall_timeout"
	case CallbackLoadTimeout:
		return "load_timeout"
	default:
		return "unknown"
	}
}

// Callback is an asynchronous completion reported by a resource or a timer.
type Callback struct {
	Generation    Generation
	Kind          CallbackKind
	Position      time.Duration // CallbackProgress
	Duration      time.Duration // CallbackLoaded, CallbackDurationKnown
	DurationKnown bool          // CallbackLoaded
	Timer         uint64        // CallbackStallTimeout
	Err           error         // CallbackFailed
}

// Sink receives callbacks. Implementations must not block the caller for long.
type Sink func(Callback)

// Resource is a playable audio resource bound to one queue item.
// All methods return promptly; loading and playback start are reported later
// through the Sink given to Factory.Open.
type Resource interface {
	// Streamer returns the audio output to connect into the gain graph.
	Streamer() beep.Streamer
	// Play requests playback. Before loading completes the request is remembered.
	Play()
	// Pause pauses playback.
	Pause()
	// Seek moves the playback position. Fails before loading completes.
	Seek(pos time.Duration) error
	// Position returns the current playback position.
	Position() time.Duration
	// Close stops playback and releases the resource. No callbacks follow.
	Close() error
}

// Factory creates resources for queue items.
type Factory interface {
	// Open constructs a resource and starts loading it in the background.
	// An error means the resource could not be constructed at all.
	Open(item queue.Item, gen Generation, sink Sink) (Resource, error)
}

// Connector is the gain graph input as seen by the manager.
type Connector interface {
	Connect(s beep.Streamer)
	Disconnect()
}
