package server

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/deckcompanion/internal/consts"
	"github.com/codefionn/deckcompanion/internal/hub"
	"github.com/codefionn/deckcompanion/internal/logger"
	"github.com/codefionn/deckcompanion/internal/nowplaying"
	"github.com/codefionn/deckcompanion/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Sampler produces telemetry readings
type Sampler interface {
	Sample(ctx context.Context) (telemetry.Stats, error)
}

// Broadcaster periodically pushes now-playing changes and telemetry to every
// registered client.
type Broadcaster struct {
	hub      *hub.Hub
	player   nowplaying.Provider
	sampler  Sampler
	interval time.Duration
	timeout  time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	lastTrack string
}

// NewBroadcaster creates a broadcaster. player and sampler may be nil, which
// disables the corresponding push.
func NewBroadcaster(h *hub.Hub, player nowplaying.Provider, sampler Sampler, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = consts.DefaultBroadcastInterval
	}
	return &Broadcaster{
		hub:      h,
		player:   player,
		sampler:  sampler,
		interval: interval,
		timeout:  consts.CollaboratorTimeout,
		log:      logger.Named("broadcast"),
	}
}

// Run ticks until ctx is cancelled. It never returns an error of its own.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info("Starting broadcast loop (every %s)", b.interval)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("Broadcast loop stopped")
			return nil
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick runs one broadcast cycle. Both sources are queried concurrently; a
// failure in one only skips that source for this tick.
func (b *Broadcaster) Tick(ctx context.Context) {
	if b.hub.ClientCount() == 0 {
		return
	}

	var g errgroup.Group
	if b.player != nil {
		g.Go(func() error {
			b.guard("now playing", func() { b.tickNowPlaying(ctx) })
			return nil
		})
	}
	if b.sampler != nil {
		g.Go(func() error {
			b.guard("telemetry", func() { b.tickTelemetry(ctx) })
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Broadcaster) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Recovered from panic in %s tick: %v", name, r)
		}
	}()
	fn()
}

func (b *Broadcaster) tickNowPlaying(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	snap, err := b.player.Query(ctx)
	if err != nil {
		b.log.Debug("Now-playing query failed: %v", err)
		return
	}
	if snap == nil {
		return
	}

	b.mu.Lock()
	changed := snap.ID != b.lastTrack
	if changed {
		b.lastTrack = snap.ID
	}
	b.mu.Unlock()
	if !changed {
		return
	}

	b.log.Info("Now playing: %s - %s", snap.Artist, snap.Title)
	if _, err := b.hub.Broadcast(snap); err != nil {
		b.log.Error("Failed to broadcast now playing: %v", err)
	}
}

func (b *Broadcaster) tickTelemetry(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	stats, err := b.sampler.Sample(ctx)
	if err != nil {
		b.log.Warn("Telemetry sample failed, skipping tick: %v", err)
		return
	}
	if _, err := b.hub.Broadcast(stats); err != nil {
		b.log.Error("Failed to broadcast telemetry: %v", err)
	}
}
