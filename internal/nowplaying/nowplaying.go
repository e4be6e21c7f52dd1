// Package nowplaying queries and controls the user's media player.
package nowplaying

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnavailable means the player cannot be reached, for example because
	// no credentials have been authorized yet.
	ErrUnavailable = errors.New("player unavailable")
	// ErrUnknownCommand is returned by Control for command names it does not know
	ErrUnknownCommand = errors.New("unknown player command")
)

// MessageType is the outbound message tag of a Snapshot
const MessageType = "now_playing"

// Snapshot describes the current track and transport state
type Snapshot struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Image      string `json:"image"`
	IsPlaying  bool   `json:"is_playing"`
	ProgressMS int    `json:"progress_ms"`
	DurationMS int    `json:"duration_ms"`
	IsLiked    bool   `json:"is_liked"`
}

// MarshalJSON adds the message tag so a Snapshot can be sent as is.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{MessageType, plain(s)})
}

// Command is a transport command with its optional arguments
type Command struct {
	Name string
	// PositionMS is the absolute seek target
	PositionMS *int
	TrackID string
}

// Provider is a media player.
type Provider interface {
	// Query returns the current snapshot, or nil when nothing is playing.
	Query(ctx context.Context) (*Snapshot, error)
	Control(ctx context.Context, cmd Command) error
}
