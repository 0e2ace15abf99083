// Package recorder turns channel message events into versioned raw text blocks.
package recorder

import (
	"context"
	"time"
)

// Source tags where an event came from. Used for logging only.
const (
	SourceTelegram = "telegram"
	SourceSlack    = "slack"
	SourceHistory  = "history"
)

// MessageEvent is a single observation of a message on a channel.
type MessageEvent struct {
	Channel   string    // Channel alias from the registry
	MessageID string    // Platform message identifier
	Text      string    // Display text, may be empty
	Date      time.Time // Creation time
	Edited    time.Time // Edit time, zero when the event is not an edit
	Source    string
}

// IsEdit reports whether the event carries an edit timestamp.
func (e MessageEvent) IsEdit() bool {
	return !e.Edited.IsZero()
}

// Handler receives message events from a Source.
type Handler func(context.Context, MessageEvent)

// Source delivers message events for the configured channels, at least once.
// Run blocks until ctx is done (returning nil) or the update stream breaks.
type Source interface {
	Name() string
	Run(ctx context.Context, handler Handler) error
}

// Block is a formatted raw text block ready to be merged into a channel blob.
type Block struct {
	Channel   string
	MessageID string
	Version   int
	Text      string
}

func (b Block) String() string {
	return b.Text
}

// Recorder tracks per-channel revision counters and formats blocks.
//
// Recorder does no locking of its own. Callers must serialize calls for the
// same channel; calls for different channels may run concurrently as long as
// every channel was passed to New.
type Recorder struct {
	versions map[string]map[string]int
	loc      *time.Location
}

// New creates a recorder with empty state for the given channels.
// A nil location falls back to the default Kyiv zone.
func New(loc *time.Location, channels ...string) *Recorder {
	if loc == nil {
		loc = DefaultLocation()
	}
	r := &Recorder{
		versions: make(map[string]map[string]int, len(channels)),
		loc:      loc,
	}
	for _, ch := range channels {
		r.versions[ch] = make(map[string]int)
	}
	return r
}

// Record applies one event to the channel state.
// It returns false for a duplicate delivery of an already recorded, unedited message.
func (r *Recorder) Record(channel string, ev MessageEvent) (Block, bool) {
	block, ok := r.Next(channel, ev)
	if ok {
		r.Commit(block)
	}
	return block, ok
}

// Next computes the block an event would produce without changing any counter.
// Callers that persist the block before trusting it call Commit once it is stored.
func (r *Recorder) Next(channel string, ev MessageEvent) (Block, bool) {
	current, known := r.versions[channel][ev.MessageID]
	switch {
	case known && ev.IsEdit():
		current++
	case !known:
		current = 1
	default:
		return Block{}, false
	}

	return Block{
		Channel:   channel,
		MessageID: ev.MessageID,
		Version:   current,
		Text:      FormatBlock(channel, ev.MessageID, current, ev.Date, ev.Edited, ev.Text, r.loc),
	}, true
}

// Commit records a block's version as the current counter of its message.
// Counters only move forward.
func (r *Recorder) Commit(b Block) {
	seen, ok := r.versions[b.Channel]
	if !ok {
		seen = make(map[string]int)
		r.versions[b.Channel] = seen
	}
	if b.Version > seen[b.MessageID] {
		seen[b.MessageID] = b.Version
	}
}

// Version returns the current revision counter for a message, or 0 if unseen.
func (r *Recorder) Version(channel, messageID string) int {
	return r.versions[channel][messageID]
}

// Restore seeds a channel with previously persisted revision counters.
// Counters only move forward; a lower restored value never replaces a higher one.
func (r *Recorder) Restore(channel string, versions map[string]int) int {
	seen, ok := r.versions[channel]
	if !ok {
		seen = make(map[string]int, len(versions))
		r.versions[channel] = seen
	}
	raised := 0
	for id, v := range versions {
		if v > seen[id] {
			seen[id] = v
			raised++
		}
	}
	return raised
}

// Snapshot returns a deep copy of the revision state.
func (r *Recorder) Snapshot() map[string]map[string]int {
	out := make(map[string]map[string]int, len(r.versions))
	for ch, seen := range r.versions {
		cp := make(map[string]int, len(seen))
		for id, v := range seen {
			cp[id] = v
		}
		out[ch] = cp
	}
	return out
}
