// Package queue provides the QueueItem domain entity.
package queue

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidItem is returned when a queue item cannot be played.
var ErrInvalidItem = errors.New("invalid queue item")

// Item represents a playable queue item.
// Items are supplied by the external queue owner and never mutated.
type Item struct {
	ID          string        // Queue item identifier (opaque)
	Locator     string        // File path, file:// URL or http(s):// URL
	StartOffset time.Duration // Where playback should begin (0 = start)
}

// Validate checks that the item can be handed to a resource factory.
func (i *Item) Validate() error {
	if i.ID == "" {
		return errors.Mark(errors.New("item id is required"), ErrInvalidItem)
	}
	if i.Locator == "" {
		return errors.Mark(errors.Newf("item %s: locator is required", i.ID), ErrInvalidItem)
	}
	if i.StartOffset < 0 {
		return errors.Mark(errors.Newf("item %s: negative start offset %v", i.ID, i.StartOffset), ErrInvalidItem)
	}
	return nil
}

// IsRemote returns true if the locator points at an http(s) resource.
func (i *Item) IsRemote() bool {
	u, err := url.Parse(i.Locator)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Path returns the local filesystem path for file locators.
// Returns an empty string for remote locators.
func (i *Item) Path() string {
	if i.IsRemote() {
		return ""
	}
	if strings.HasPrefix(i.Locator, "file://") {
		u, err := url.Parse(i.Locator)
		if err != nil {
			return ""
		}
		return filepath.FromSlash(u.Path)
	}
	return i.Locator
}

// Extension returns the lower-cased file extension of the locator, without query string.
func (i *Item) Extension() string {
	loc := i.Locator
	if u, err := url.Parse(loc); err == nil && u.Path != "" {
		loc = u.Path
	}
	return strings.ToLower(filepath.Ext(loc))
}
