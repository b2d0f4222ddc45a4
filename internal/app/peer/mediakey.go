// Package peer connects the engine to its collaborators: the host's media
// keys and an optional background worker process.
package peer

import (
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// ErrInvalidMediaKey is returned for an unknown media key name.
var ErrInvalidMediaKey = errors.New("invalid media key")

// MediaKey is a hardware or OS media key.
type MediaKey string

const (
	KeyPlayPause MediaKey = "play_pause"
	KeyStop      MediaKey = "stop"
	KeyPrevious  MediaKey = "previous"
	KeyNext      MediaKey = "next"
)

// ParseMediaKey parses a media key name (case-insensitive).
func ParseMediaKey(s string) (MediaKey, error) {
	k := MediaKey(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KeyPlayPause, KeyStop, KeyPrevious, KeyNext:
		return k, nil
	default:
		return "", errors.Wrapf(ErrInvalidMediaKey, "unknown media key %q", s)
	}
}

// KeyForwarder receives media keys on behalf of the queue owner.
type KeyForwarder interface {
	ForwardMediaKey(key string)
}

// MediaKeys forwards media key presses unchanged. The engine never acts on them;
// the queue owner decides what next or previous means.
type MediaKeys struct {
	forwarder KeyForwarder
}

// NewMediaKeys creates a media key forwarder.
func NewMediaKeys(forwarder KeyForwarder) *MediaKeys {
	return &MediaKeys{forwarder: forwarder}
}

// Press validates and forwards one key press.
func (m *MediaKeys) Press(name string) error {
	k, err := ParseMediaKey(name)
	if err != nil {
		return err
	}
	zlog.Debug().Msgf("peer: media key: key=%s", k)
	m.forwarder.ForwardMediaKey(string(k))
	return nil
}
