// Package dispatch routes exec actions to the media player, the OS actuator
// and the keyboard.
//
// Execute never panics and never returns a bare error: every collaborator
// failure, including a panic inside a collaborator, comes back as a Result
// with OK false and the cause attached.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/codefionn/deckcompanion/internal/actuator"
	"github.com/codefionn/deckcompanion/internal/consts"
	"github.com/codefionn/deckcompanion/internal/features"
	"github.com/codefionn/deckcompanion/internal/logger"
	"github.com/codefionn/deckcompanion/internal/nowplaying"
)

var (
	ErrUnknownAction  = errors.New("unknown action type")
	ErrUnknownCommand = errors.New("unknown command")
	ErrDisabled       = errors.New("action category disabled")
	ErrBadParams      = errors.New("invalid action parameters")
)

// Result is the outcome of one action
type Result struct {
	OK  bool
	Err error
}

// Reason returns the failure text, or "" for a successful result
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Player is the part of the media player the dispatcher drives
type Player interface {
	Control(ctx context.Context, cmd nowplaying.Command) error
}

// Options configures a Dispatcher. Nil collaborators make their action
// categories fail with a descriptive error.
type Options struct {
	Player   Player
	System   actuator.System
	Keyboard actuator.Keyboard
	Flags    *features.ActionFlags
	// Timeout bounds a single collaborator call; zero means
	// consts.CollaboratorTimeout.
	Timeout time.Duration
}

// Dispatcher executes actions
type Dispatcher struct {
	player  Player
	system  actuator.System
	keys    actuator.Keyboard
	flags   *features.ActionFlags
	timeout time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	log     *logger.Logger
}

// New creates a dispatcher
func New(opts Options) *Dispatcher {
	if opts.Flags == nil {
		opts.Flags = features.NewActionFlags()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = consts.CollaboratorTimeout
	}
	return &Dispatcher{
		player:  opts.Player,
		system:  opts.System,
		keys:    opts.Keyboard,
		flags:   opts.Flags,
		timeout: opts.Timeout,
		sleep:   sleepContext,
		log:     logger.Named("dispatch"),
	}
}

// Flags returns the category switches consulted on every call
func (d *Dispatcher) Flags() *features.ActionFlags {
	return d.flags
}

// Execute runs a. It blocks for as long as the collaborator call takes, so
// callers serving a connection run it off their read loop.
func (d *Dispatcher) Execute(ctx context.Context, a Action) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Panic while executing %s/%s: %v", a.Kind, a.Cmd, r)
			res = Result{Err: fmt.Errorf("action panicked: %v", r)}
		}
	}()

	if err := d.execute(ctx, a); err != nil {
		d.log.Warn("Action %s/%s failed: %v", a.Kind, a.Cmd, err)
		return Result{Err: err}
	}
	if a.Kind != KindPing {
		d.log.Info("Action executed: %s/%s", a.Kind, a.Cmd)
	}
	return Result{OK: true}
}

func (d *Dispatcher) execute(ctx context.Context, a Action) error {
	switch a.Kind {
	case KindPing:
		return nil
	case KindSpotify:
		if err := d.allow(features.Spotify); err != nil {
			return err
		}
		return d.spotify(ctx, a)
	case KindSystem:
		if err := d.allow(features.System); err != nil {
			return err
		}
		return d.systemAction(ctx, a)
	case KindMedia:
		if err := d.allow(features.Media); err != nil {
			return err
		}
		return d.media(ctx, a)
	case KindHotkey:
		if err := d.allow(features.Hotkey); err != nil {
			return err
		}
		return d.hotkey(ctx, a)
	case KindMacro:
		if err := d.allow(features.Macro); err != nil {
			return err
		}
		return d.macro(ctx, a)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
	}
}

func (d *Dispatcher) allow(category string) error {
	if !d.flags.IsEnabled(category) {
		return fmt.Errorf("%w: %s", ErrDisabled, category)
	}
	return nil
}

func (d *Dispatcher) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

func unknownCommand(a Action) error {
	return fmt.Errorf("%w: %s/%q", ErrUnknownCommand, a.Kind, a.Cmd)
}

func badParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadParams, fmt.Sprintf(format, args...))
}

func (d *Dispatcher) spotify(ctx context.Context, a Action) error {
	cmd := nowplaying.Command{Name: a.Cmd}
	switch a.Cmd {
	case "play", "pause", "toggle_play", "next", "prev", "dislike":
	case "seek":
		// the client's progress slider sends its position in ms as value
		v, ok := a.Number("position_ms")
		if !ok {
			v, ok = a.Number("value")
		}
		if !ok {
			return badParams("seek needs position_ms or value")
		}
		pos := int(math.Round(v))
		cmd.PositionMS = &pos
	case "like":
		cmd.TrackID, _ = a.Text("track_id")
	default:
		return unknownCommand(a)
	}

	if d.player == nil {
		return nowplaying.ErrUnavailable
	}
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	return d.player.Control(ctx, cmd)
}

func (d *Dispatcher) systemAction(ctx context.Context, a Action) error {
	var run func(ctx context.Context) error

	switch a.Cmd {
	case "volume":
		val, ok := a.Number("val")
		if !ok {
			val = 50
		}
		run = func(ctx context.Context) error { return d.system.SetVolume(ctx, val) }
	case "volume_up":
		run = func(ctx context.Context) error { return d.system.ChangeVolume(ctx, 5) }
	case "volume_down":
		run = func(ctx context.Context) error { return d.system.ChangeVolume(ctx, -5) }
	case "mute", "mute_toggle":
		run = d.toggleMute
	case "lock", "lock_workstation", "lock_pc":
		run = d.lockScreen
	case "open_url":
		url, ok := a.Text("url")
		if !ok || url == "" {
			return badParams("open_url needs url")
		}
		run = func(ctx context.Context) error { return d.system.OpenURL(ctx, url) }
	case "exec":
		command, ok := a.Text("command")
		if !ok || command == "" {
			return badParams("exec needs command")
		}
		var err error
		if run, err = d.shellCommand(command); err != nil {
			return err
		}
	default:
		return unknownCommand(a)
	}

	if d.system == nil {
		return fmt.Errorf("system actions: %w", actuator.ErrUnsupported)
	}
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	return run(ctx)
}

func (d *Dispatcher) toggleMute(ctx context.Context) error { return d.system.ToggleMute(ctx) }
func (d *Dispatcher) lockScreen(ctx context.Context) error { return d.system.LockScreen(ctx) }

// shellCommand translates legacy nircmd strings and otherwise runs command
// through the shell, which has its own switch.
func (d *Dispatcher) shellCommand(command string) (func(ctx context.Context) error, error) {
	if op, ok := translateLegacy(command); ok {
		d.log.Debug("Translated legacy command %q to %s", command, op.kind)
		switch op.kind {
		case legacyLock:
			return d.lockScreen, nil
		case legacyMute:
			return d.toggleMute, nil
		case legacyChangeVolume:
			return func(ctx context.Context) error { return d.system.ChangeVolume(ctx, op.percent) }, nil
		case legacySetVolume:
			return func(ctx context.Context) error { return d.system.SetVolume(ctx, op.percent) }, nil
		}
	}

	if err := d.allow(features.Shell); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error { return d.system.Shell(ctx, command) }, nil
}

var mediaKeys = map[string]actuator.MediaKey{
	"play_pause":  actuator.MediaPlayPause,
	"next":        actuator.MediaNext,
	"prev":        actuator.MediaPrev,
	"stop":        actuator.MediaStop,
	"volume_up":   actuator.MediaVolumeUp,
	"volume_down": actuator.MediaVolumeDown,
	"mute":        actuator.MediaMute,
}

func (d *Dispatcher) media(ctx context.Context, a Action) error {
	key, ok := mediaKeys[a.Cmd]
	if !ok {
		return unknownCommand(a)
	}
	if d.keys == nil {
		return fmt.Errorf("media keys: %w", actuator.ErrUnsupported)
	}
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	return d.keys.PressMedia(ctx, key)
}

func (d *Dispatcher) hotkey(ctx context.Context, a Action) error {
	if a.Cmd != "" && a.Cmd != "send" {
		return unknownCommand(a)
	}
	keys, ok := a.Text("keys")
	if !ok {
		return badParams("hotkey needs keys")
	}
	combo, err := actuator.ParseCombo(keys)
	if err != nil {
		return badParams("%v", err)
	}
	if d.keys == nil {
		return fmt.Errorf("hotkeys: %w", actuator.ErrUnsupported)
	}
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	return d.keys.SendKeys(ctx, combo)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
