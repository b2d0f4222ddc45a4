// Package status defines the outbound status messages emitted by the engine.
package status

import "time"

// EventType represents an outbound status message type.
type EventType int

const (
	EventIsPlayingChanged EventType = iota // Playing state flipped
	EventProgress                          // Playback position moved (fraction of duration)
	EventPlaybackEnded                     // Item finished naturally and repeat is off
	EventPlaybackFailed                    // Item could not be played or recovered
	EventMediaKey                          // Raw media key forwarded to the queue owner
	EventWorkerMessage                     // Message received from the background worker
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventIsPlayingChanged:
		return "is_playing_changed"
	case EventProgress:
		return "progress"
	case EventPlaybackEnded:
		return "playback_ended"
	case EventPlaybackFailed:
		return "playback_failed"
	case EventMediaKey:
		return "media_key"
	case EventWorkerMessage:
		return "worker_message"
	default:
		return "unknown"
	}
}

// Event represents an outbound status message.
type Event struct {
	Type     EventType
	ItemID   string         // Item the event belongs to (empty when none)
	Playing  bool           // EventIsPlayingChanged
	Progress float64        // EventProgress, in [0,1]
	Reason   string         // EventPlaybackFailed
	Key      string         // EventMediaKey
	Payload  map[string]any // EventWorkerMessage
	At       time.Time
}

// IsPlayingChanged builds an EventIsPlayingChanged.
func IsPlayingChanged(itemID string, playing bool) Event {
	return Event{Type: EventIsPlayingChanged, ItemID: itemID, Playing: playing, At: time.Now()}
}

// Progress builds an EventProgress.
func Progress(itemID string, fraction float64) Event {
	return Event{Type: EventProgress, ItemID: itemID, Progress: fraction, At: time.Now()}
}

// PlaybackEnded builds an EventPlaybackEnded.
func PlaybackEnded(itemID string) Event {
	return Event{Type: EventPlaybackEnded, ItemID: itemID, At: time.Now()}
}

// PlaybackFailed builds an EventPlaybackFailed.
func PlaybackFailed(itemID string, reason string) Event {
	return Event{Type: EventPlaybackFailed, ItemID: itemID, Reason: reason, At: time.Now()}
}

// MediaKey builds an EventMediaKey.
func MediaKey(key string) Event {
	return Event{Type: EventMediaKey, Key: key, At: time.Now()}
}

// WorkerMessage builds an EventWorkerMessage.
func WorkerMessage(payload map[string]any) Event {
	return Event{Type: EventWorkerMessage, Payload: payload, At: time.Now()}
}

// Emitter receives outbound status messages.
type Emitter func(Event)
