// Package playback manages the lifecycle of playable audio resources.
package playback

// Phase represents the lifecycle phase of a playback session.
type Phase int

const (
	PhaseIdle    Phase = iota // No live session
	PhaseLoading              // Resource created, metadata not loaded yet
	PhasePlaying              // Loaded and playing
	PhasePaused               // Loaded and paused
	PhaseEnded                // Finished naturally, waiting for the next item
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhasePlaying:
		return "playing"
	case PhasePaused:
		return "paused"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}
