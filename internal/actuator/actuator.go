// Package actuator drives the host OS: volume, mute, screen lock, URLs,
// shell commands and synthetic key presses.
//
// Every platform gets a command table mapping operations to helper programs
// (pactl/xdotool on Linux, osascript/pmset on macOS, nircmd/rundll32 on
// Windows). Operations missing from the table fail with ErrUnsupported.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"

	"github.com/codefionn/deckcompanion/internal/logger"
)

// ErrUnsupported is returned for operations the current platform cannot do
var ErrUnsupported = errors.New("not supported on this platform")

// MediaKey is a hardware media key
type MediaKey string

const (
	MediaPlayPause  MediaKey = "play_pause"
	MediaNext       MediaKey = "next"
	MediaPrev       MediaKey = "prev"
	MediaStop       MediaKey = "stop"
	MediaVolumeUp   MediaKey = "volume_up"
	MediaVolumeDown MediaKey = "volume_down"
	MediaMute       MediaKey = "mute"
)

// System performs host-level side effects.
type System interface {
	SetVolume(ctx context.Context, percent float64) error
	ChangeVolume(ctx context.Context, delta float64) error
	ToggleMute(ctx context.Context) error
	LockScreen(ctx context.Context) error
	OpenURL(ctx context.Context, url string) error
	// Shell starts command through the platform shell and returns once it
	// has been launched; it does not wait for the command to finish.
	Shell(ctx context.Context, command string) error
}

// Keyboard injects key presses.
type Keyboard interface {
	SendKeys(ctx context.Context, combo Combo) error
	PressMedia(ctx context.Context, key MediaKey) error
}

// commandSet maps operations to argv. A nil func or missing entry means the
// platform cannot perform the operation.
type commandSet struct {
	name         string
	setVolume    func(percent int) []string
	changeVolume func(delta int) []string
	toggleMute   []string
	lock         []string
	openURL      func(url string) []string
	sendKeys     func(c Combo) ([]string, error)
	media        map[MediaKey][]string
	shell        func(command string) []string
}

// Runner executes helper programs.
type Runner interface {
	// Run executes argv and waits for it to exit.
	Run(ctx context.Context, argv []string) error
	// Start launches argv without waiting.
	Start(argv []string) error
}

// Native is the System and Keyboard implementation for the running OS.
type Native struct {
	cmds   commandSet
	runner Runner
	log    *logger.Logger
}

// New returns the actuator for the current platform.
func New() *Native {
	return newNative(platformCommands(), execRunner{})
}

func newNative(cmds commandSet, runner Runner) *Native {
	return &Native{
		cmds:   cmds,
		runner: runner,
		log:    logger.Named("actuator"),
	}
}

// Platform names the command table in use.
func (n *Native) Platform() string {
	return n.cmds.name
}

// SetVolume sets the output volume to percent, clamped to 0..100.
func (n *Native) SetVolume(ctx context.Context, percent float64) error {
	if n.cmds.setVolume == nil {
		return unsupported("set volume")
	}
	return n.run(ctx, n.cmds.setVolume(clampPercent(percent)))
}

// ChangeVolume moves the output volume by delta percent.
func (n *Native) ChangeVolume(ctx context.Context, delta float64) error {
	if n.cmds.changeVolume == nil {
		return unsupported("change volume")
	}
	d := int(math.Round(delta))
	if d == 0 {
		return nil
	}
	return n.run(ctx, n.cmds.changeVolume(d))
}

// ToggleMute flips the output mute state.
func (n *Native) ToggleMute(ctx context.Context) error {
	if n.cmds.toggleMute == nil {
		return unsupported("mute")
	}
	return n.run(ctx, n.cmds.toggleMute)
}

// LockScreen locks the workstation.
func (n *Native) LockScreen(ctx context.Context) error {
	if n.cmds.lock == nil {
		return unsupported("lock screen")
	}
	return n.run(ctx, n.cmds.lock)
}

// OpenURL opens url in the default handler.
func (n *Native) OpenURL(ctx context.Context, url string) error {
	if n.cmds.openURL == nil {
		return unsupported("open url")
	}
	if strings.TrimSpace(url) == "" {
		return errors.New("empty url")
	}
	return n.run(ctx, n.cmds.openURL(url))
}

// Shell launches command through the platform shell.
func (n *Native) Shell(ctx context.Context, command string) error {
	if n.cmds.shell == nil {
		return unsupported("shell")
	}
	if strings.TrimSpace(command) == "" {
		return errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	argv := n.cmds.shell(command)
	n.log.Info("Launching shell command: %s", command)
	if err := n.runner.Start(argv); err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return nil
}

// SendKeys presses a key combination such as ctrl+shift+m.
func (n *Native) SendKeys(ctx context.Context, combo Combo) error {
	if n.cmds.sendKeys == nil {
		return unsupported("send keys")
	}
	argv, err := n.cmds.sendKeys(combo)
	if err != nil {
		return err
	}
	return n.run(ctx, argv)
}

// PressMedia presses a media key.
func (n *Native) PressMedia(ctx context.Context, key MediaKey) error {
	argv, ok := n.cmds.media[key]
	if !ok {
		return unsupported("media key " + string(key))
	}
	return n.run(ctx, argv)
}

func (n *Native) run(ctx context.Context, argv []string) error {
	n.log.Debug("Running %s", strings.Join(argv, " "))
	if err := n.runner.Run(ctx, argv); err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

func unsupported(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnsupported)
}

func clampPercent(p float64) int {
	if math.IsNaN(p) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, p))))
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func (execRunner) Start(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	configureProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	// Reap in the background so finished commands do not linger as zombies.
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("actuator: shell command exited: %v", err)
		}
	}()
	return nil
}
