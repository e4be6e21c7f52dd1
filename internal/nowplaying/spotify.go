package nowplaying

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/codefionn/deckcompanion/internal/consts"
	"github.com/codefionn/deckcompanion/internal/logger"
	"golang.org/x/sync/singleflight"
)

// DefaultAPIURL is the Spotify Web API root
const DefaultAPIURL = "https://api.spotify.com/v1"

// APIError is a non-2xx answer from the Web API
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("spotify api returned %d", e.Status)
	}
	return fmt.Sprintf("spotify api returned %d: %s", e.Status, e.Message)
}

// Unwrap maps authorization failures onto ErrUnavailable
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnavailable
	}
	return nil
}

// Spotify talks to the Spotify Web API. The HTTP client is expected to
// authorize requests, typically one built by oauth2.Config.Client.
type Spotify struct {
	client  *http.Client
	baseURL string
	group   singleflight.Group
	log     *logger.Logger
}

// NewSpotify returns a client rooted at baseURL (DefaultAPIURL when empty).
func NewSpotify(client *http.Client, baseURL string) *Spotify {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Spotify{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     logger.Named("spotify"),
	}
}

type playerState struct {
	IsPlaying  bool `json:"is_playing"`
	ProgressMS int  `json:"progress_ms"`
	Item       *struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Type       string `json:"type"`
		DurationMS int    `json:"duration_ms"`
		Artists    []struct {
			Name string `json:"name"`
		} `json:"artists"`
		Album *struct {
			Images []image `json:"images"`
		} `json:"album"`
		// episodes carry a show instead of artists and album
		Show *struct {
			Name   string  `json:"name"`
			Images []image `json:"images"`
		} `json:"show"`
		Images []image `json:"images"`
	} `json:"item"`
}

type image struct {
	URL string `json:"url"`
}

// Query returns the current playback snapshot. Concurrent callers share one
// request.
func (s *Spotify) Query(ctx context.Context) (*Snapshot, error) {
	v, err, _ := s.group.Do("now_playing", func() (interface{}, error) {
		return s.query(ctx)
	})
	if err != nil {
		return nil, err
	}
	snap, _ := v.(*Snapshot)
	if snap == nil {
		return nil, nil
	}
	// callers get their own copy
	out := *snap
	return &out, nil
}

func (s *Spotify) query(ctx context.Context) (*Snapshot, error) {
	state, err := s.player(ctx)
	if err != nil || state == nil || state.Item == nil || state.Item.ID == "" {
		return nil, err
	}
	item := state.Item

	snap := &Snapshot{
		ID:         item.ID,
		Title:      item.Name,
		IsPlaying:  state.IsPlaying,
		ProgressMS: state.ProgressMS,
		DurationMS: item.DurationMS,
	}

	switch {
	case item.Show != nil:
		snap.Artist = item.Show.Name
		snap.Image = firstImage(item.Images, item.Show.Images)
	default:
		names := make([]string, 0, len(item.Artists))
		for _, a := range item.Artists {
			names = append(names, a.Name)
		}
		snap.Artist = strings.Join(names, ", ")
		if item.Album != nil {
			snap.Image = firstImage(item.Album.Images)
		}
		snap.IsLiked = s.isLiked(ctx, item.ID)
	}
	return snap, nil
}

func firstImage(sets ...[]image) string {
	for _, set := range sets {
		if len(set) > 0 {
			return set[0].URL
		}
	}
	return ""
}

// isLiked is best-effort: lookup failures read as not liked.
func (s *Spotify) isLiked(ctx context.Context, trackID string) bool {
	var liked []bool
	q := url.Values{"ids": {trackID}}
	if err := s.do(ctx, http.MethodGet, "/me/tracks/contains?"+q.Encode(), nil, &liked); err != nil {
		s.log.Debug("Saved-track lookup failed for %s: %v", trackID, err)
		return false
	}
	return len(liked) > 0 && liked[0]
}

func (s *Spotify) player(ctx context.Context) (*playerState, error) {
	var state playerState
	found := false
	err := s.doFound(ctx, http.MethodGet, "/me/player", nil, &state, &found)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &state, nil
}

// Control runs a transport command.
func (s *Spotify) Control(ctx context.Context, cmd Command) error {
	s.log.Debug("Executing command %s", cmd.Name)

	switch cmd.Name {
	case "play":
		return s.do(ctx, http.MethodPut, "/me/player/play", nil, nil)
	case "pause":
		return s.do(ctx, http.MethodPut, "/me/player/pause", nil, nil)
	case "toggle_play":
		state, err := s.player(ctx)
		if err != nil {
			return err
		}
		if state != nil && state.IsPlaying {
			return s.do(ctx, http.MethodPut, "/me/player/pause", nil, nil)
		}
		return s.do(ctx, http.MethodPut, "/me/player/play", nil, nil)
	case "next", "dislike":
		return s.do(ctx, http.MethodPost, "/me/player/next", nil, nil)
	case "prev":
		return s.do(ctx, http.MethodPost, "/me/player/previous", nil, nil)
	case "seek":
		pos, err := s.seekTarget(cmd)
		if err != nil {
			return err
		}
		q := url.Values{"position_ms": {strconv.Itoa(pos)}}
		return s.do(ctx, http.MethodPut, "/me/player/seek?"+q.Encode(), nil, nil)
	case "like":
		id := cmd.TrackID
		if id == "" {
			state, err := s.player(ctx)
			if err != nil {
				return err
			}
			if state == nil || state.Item == nil || state.Item.ID == "" {
				return errors.New("like: no track given and nothing playing")
			}
			id = state.Item.ID
		}
		body := map[string][]string{"ids": {id}}
		return s.do(ctx, http.MethodPut, "/me/tracks", body, nil)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}

func (s *Spotify) seekTarget(cmd Command) (int, error) {
	if cmd.PositionMS == nil {
		return 0, errors.New("seek: position_ms required")
	}
	return max(0, *cmd.PositionMS), nil
}

func (s *Spotify) do(ctx context.Context, method, path string, body, out any) error {
	return s.doFound(ctx, method, path, body, out, nil)
}

// doFound performs one API call. found, when non-nil, reports whether the
// response carried content (the player endpoint answers 204 when idle).
func (s *Spotify) doFound(ctx context.Context, method, path string, body, out any, found *bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("spotify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, consts.BufferSize64KB))
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*consts.BufferSize64KB))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if found != nil {
		*found = true
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, consts.BufferSize64KB))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		apiErr.Message = payload.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
