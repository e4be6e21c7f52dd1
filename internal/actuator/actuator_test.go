package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu      sync.Mutex
	ran     [][]string
	started [][]string
	err     error
}

func (r *recordingRunner) Run(_ context.Context, argv []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, argv)
	return r.err
}

func (r *recordingRunner) Start(argv []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, argv)
	return r.err
}

func testCommands() commandSet {
	return commandSet{
		name: "test",
		setVolume: func(p int) []string {
			return []string{"vol", "set", fmt.Sprint(p)}
		},
		changeVolume: func(d int) []string {
			return []string{"vol", "change", fmt.Sprint(d)}
		},
		toggleMute: []string{"vol", "mute"},
		sendKeys: func(c Combo) ([]string, error) {
			return []string{"keys", c.String()}, nil
		},
		media: map[MediaKey][]string{
			MediaNext: {"media", "next"},
		},
		shell: func(command string) []string {
			return []string{"sh", "-c", command}
		},
	}
}

func TestSetVolumeClamps(t *testing.T) {
	r := &recordingRunner{}
	n := newNative(testCommands(), r)
	ctx := context.Background()

	require.NoError(t, n.SetVolume(ctx, 150))
	require.NoError(t, n.SetVolume(ctx, -3))
	require.NoError(t, n.SetVolume(ctx, 42.6))

	assert.Equal(t, [][]string{
		{"vol", "set", "100"},
		{"vol", "set", "0"},
		{"vol", "set", "43"},
	}, r.ran)
}

func TestChangeVolumeSkipsZeroDelta(t *testing.T) {
	r := &recordingRunner{}
	n := newNative(testCommands(), r)

	require.NoError(t, n.ChangeVolume(context.Background(), 0.2))
	require.NoError(t, n.ChangeVolume(context.Background(), -5))
	assert.Equal(t, [][]string{{"vol", "change", "-5"}}, r.ran)
}

func TestMissingOperationsAreUnsupported(t *testing.T) {
	n := newNative(testCommands(), &recordingRunner{})
	ctx := context.Background()

	assert.ErrorIs(t, n.LockScreen(ctx), ErrUnsupported)
	assert.ErrorIs(t, n.OpenURL(ctx, "https://example.com"), ErrUnsupported)
	assert.ErrorIs(t, n.PressMedia(ctx, MediaPlayPause), ErrUnsupported)

	empty := newNative(commandSet{}, &recordingRunner{})
	assert.ErrorIs(t, empty.SetVolume(ctx, 10), ErrUnsupported)
	assert.ErrorIs(t, empty.Shell(ctx, "true"), ErrUnsupported)
	assert.ErrorIs(t, empty.SendKeys(ctx, Combo{Key: "a"}), ErrUnsupported)
}

func TestShellStartsWithoutWaiting(t *testing.T) {
	r := &recordingRunner{}
	n := newNative(testCommands(), r)

	require.NoError(t, n.Shell(context.Background(), "notify-send hi"))
	assert.Empty(t, r.ran)
	assert.Equal(t, [][]string{{"sh", "-c", "notify-send hi"}}, r.started)

	assert.Error(t, n.Shell(context.Background(), "   "))
}

func TestShellHonoursCancelledContext(t *testing.T) {
	r := &recordingRunner{}
	n := newNative(testCommands(), r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Shell(ctx, "echo"), context.Canceled)
	assert.Empty(t, r.started)
}

func TestRunnerErrorIsWrapped(t *testing.T) {
	boom := errors.New("exit status 1")
	n := newNative(testCommands(), &recordingRunner{err: boom})

	err := n.PressMedia(context.Background(), MediaNext)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "media")
}

func TestSendKeys(t *testing.T) {
	r := &recordingRunner{}
	n := newNative(testCommands(), r)

	combo, err := ParseCombo("Ctrl+Shift+M")
	require.NoError(t, err)
	require.NoError(t, n.SendKeys(context.Background(), combo))
	assert.Equal(t, [][]string{{"keys", "ctrl+shift+m"}}, r.ran)
}

func TestNewUsesPlatformTable(t *testing.T) {
	assert.NotEmpty(t, New().Platform())
}
