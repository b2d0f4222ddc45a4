package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventType_String(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  string
	}{
		{EventIsPlayingChanged, "is_playing_changed"},
		{EventProgress, "progress"},
		{EventPlaybackEnded, "playback_ended"},
		{EventPlaybackFailed, "playback_failed"},
		{EventMediaKey, "media_key"},
		{EventWorkerMessage, "worker_message"},
		{EventType(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.eventType.String())
		})
	}
}

func TestConstructors(t *testing.T) {
	e := PlaybackFailed("item-1", "boom")
	assert.Equal(t, EventPlaybackFailed, e.Type)
	assert.Equal(t, "item-1", e.ItemID)
	assert.Equal(t, "boom", e.Reason)
	assert.False(t, e.At.IsZero())

	p := Progress("item-1", 0.25)
	assert.Equal(t, 0.25, p.Progress)

	s := IsPlayingChanged("", false)
	assert.Equal(t, EventIsPlayingChanged, s.Type)
	assert.False(t, s.Playing)
}

func TestPeerConstructors(t *testing.T) {
	k := MediaKey("next")
	assert.Equal(t, EventMediaKey, k.Type)
	assert.Equal(t, "next", k.Key)
	assert.Empty(t, k.ItemID)

	w := WorkerMessage(map[string]any{"kind": "lyrics"})
	assert.Equal(t, EventWorkerMessage, w.Type)
	assert.Equal(t, "lyrics", w.Payload["kind"])
}
