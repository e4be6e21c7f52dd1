package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/deckcompanion/internal/actuator"
	"github.com/codefionn/deckcompanion/internal/features"
	"github.com/codefionn/deckcompanion/internal/nowplaying"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakePlayer struct {
	recorder
	err error
}

func (p *fakePlayer) Control(_ context.Context, cmd nowplaying.Command) error {
	switch {
	case cmd.PositionMS != nil:
		p.add("%s pos=%d", cmd.Name, *cmd.PositionMS)
	case cmd.TrackID != "":
		p.add("%s track=%s", cmd.Name, cmd.TrackID)
	default:
		p.add("%s", cmd.Name)
	}
	return p.err
}

type fakeSystem struct {
	recorder
	err   error
	panic bool
}

func (s *fakeSystem) call(format string, args ...any) error {
	if s.panic {
		panic("native call crashed")
	}
	s.add(format, args...)
	return s.err
}

func (s *fakeSystem) SetVolume(_ context.Context, p float64) error {
	return s.call("set_volume %.1f", p)
}
func (s *fakeSystem) ChangeVolume(_ context.Context, d float64) error {
	return s.call("change_volume %.1f", d)
}
func (s *fakeSystem) ToggleMute(context.Context) error { return s.call("mute") }
func (s *fakeSystem) LockScreen(context.Context) error { return s.call("lock") }
func (s *fakeSystem) OpenURL(_ context.Context, u string) error { return s.call("open %s", u) }
func (s *fakeSystem) Shell(_ context.Context, cmd string) error { return s.call("shell %s", cmd) }

type fakeKeyboard struct {
	recorder
	failOn string
}

func (k *fakeKeyboard) SendKeys(_ context.Context, c actuator.Combo) error {
	k.add("keys %s", c)
	if k.failOn != "" && c.String() == k.failOn {
		return errors.New("xdotool: exit status 1")
	}
	return nil
}

func (k *fakeKeyboard) PressMedia(_ context.Context, key actuator.MediaKey) error {
	k.add("media %s", key)
	return nil
}

type fixture struct {
	d      *Dispatcher
	player *fakePlayer
	system *fakeSystem
	keys   *fakeKeyboard
	flags  *features.ActionFlags
	slept  []time.Duration
}

func newFixture() *fixture {
	f := &fixture{
		player: &fakePlayer{},
		system: &fakeSystem{},
		keys:   &fakeKeyboard{},
		flags:  features.NewActionFlags(),
	}
	f.d = New(Options{Player: f.player, System: f.system, Keyboard: f.keys, Flags: f.flags})
	f.d.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		f.keys.add("sleep %s", d)
		return nil
	}
	return f
}

func action(t *testing.T, js string) Action {
	t.Helper()
	var a Action
	require.NoError(t, json.Unmarshal([]byte(js), &a))
	return a
}

func TestPingAlwaysSucceeds(t *testing.T) {
	f := newFixture()
	f.flags.Disable(features.System)

	res := f.d.Execute(context.Background(), action(t, `{"type":"ping"}`))
	assert.True(t, res.OK)
	assert.Empty(t, res.Reason())
	assert.Empty(t, f.system.list())
}

func TestUnknownActionType(t *testing.T) {
	f := newFixture()

	res := f.d.Execute(context.Background(), action(t, `{"type":"teleport","cmd":"now"}`))
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrUnknownAction)
}

func TestUnknownSystemCommand(t *testing.T) {
	f := newFixture()

	res := f.d.Execute(context.Background(), action(t, `{"type":"system","cmd":"bogus"}`))
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrUnknownCommand)
	assert.Empty(t, f.system.list())
}

func TestSystemCommands(t *testing.T) {
	tests := []struct {
		js   string
		want string
	}{
		{`{"type":"system","cmd":"volume","val":30}`, "set_volume 30.0"},
		{`{"type":"system","cmd":"volume"}`, "set_volume 50.0"},
		{`{"type":"system","cmd":"volume_up"}`, "change_volume 5.0"},
		{`{"type":"system","cmd":"volume_down"}`, "change_volume -5.0"},
		{`{"type":"system","cmd":"mute"}`, "mute"},
		{`{"type":"system","cmd":"mute_toggle"}`, "mute"},
		{`{"type":"system","cmd":"lock_pc"}`, "lock"},
		{`{"type":"system","cmd":"open_url","url":"https://example.com"}`, "open https://example.com"},
		{`{"type":"system","cmd":"exec","command":"notify-send hi"}`, "shell notify-send hi"},
		{`{"type":"system","cmd":"exec","command":"nircmd.exe lockworkstation"}`, "lock"},
		{`{"type":"system","cmd":"exec","command":"nircmd.exe mutesysvolume 2"}`, "mute"},
		{`{"type":"system","cmd":"exec","command":"nircmd.exe changesysvolume -6553"}`, "change_volume -10.0"},
		{`{"type":"system","cmd":"exec","command":"nircmd.exe setsysvolume 65535"}`, "set_volume 100.0"},
	}

	for _, tt := range tests {
		t.Run(tt.js, func(t *testing.T) {
			f := newFixture()
			res := f.d.Execute(context.Background(), action(t, tt.js))
			require.True(t, res.OK, res.Reason())
			assert.Equal(t, []string{tt.want}, f.system.list())
		})
	}
}

func TestSystemMissingParams(t *testing.T) {
	f := newFixture()

	for _, js := range []string{
		`{"type":"system","cmd":"open_url"}`,
		`{"type":"system","cmd":"exec","command":""}`,
	} {
		res := f.d.Execute(context.Background(), action(t, js))
		assert.ErrorIs(t, res.Err, ErrBadParams, js)
	}
	assert.Empty(t, f.system.list())
}

func TestShellFlagGatesOnlyRealShellCommands(t *testing.T) {
	f := newFixture()
	f.flags.Disable(features.Shell)

	res := f.d.Execute(context.Background(), action(t, `{"type":"system","cmd":"exec","command":"rm -rf /tmp/x"}`))
	assert.ErrorIs(t, res.Err, ErrDisabled)

	res = f.d.Execute(context.Background(), action(t, `{"type":"system","cmd":"exec","command":"nircmd lockworkstation"}`))
	assert.True(t, res.OK)
	assert.Equal(t, []string{"lock"}, f.system.list())
}

func TestDisabledCategory(t *testing.T) {
	f := newFixture()
	f.flags.Disable(features.Spotify)

	res := f.d.Execute(context.Background(), action(t, `{"type":"spotify","cmd":"next"}`))
	assert.ErrorIs(t, res.Err, ErrDisabled)
	assert.Empty(t, f.player.list())
}

func TestCollaboratorErrorBecomesResult(t *testing.T) {
	f := newFixture()
	f.system.err = errors.New("pactl: connection refused")

	res := f.d.Execute(context.Background(), action(t, `{"type":"system","cmd":"mute"}`))
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason(), "connection refused")
}

func TestCollaboratorPanicIsRecovered(t *testing.T) {
	f := newFixture()
	f.system.panic = true

	var res Result
	require.NotPanics(t, func() {
		res = f.d.Execute(context.Background(), action(t, `{"type":"system","cmd":"lock"}`))
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason(), "panicked")
}

func TestSpotifyCommands(t *testing.T) {
	tests := []struct {
		js   string
		want string
	}{
		{`{"type":"spotify","cmd":"toggle_play"}`, "toggle_play"},
		{`{"type":"spotify","cmd":"dislike"}`, "dislike"},
		{`{"type":"spotify","cmd":"seek","position_ms":1500}`, "seek pos=1500"},
		{`{"type":"spotify","cmd":"seek","value":"60000"}`, "seek pos=60000"},
		{`{"type":"spotify","cmd":"seek","value":42}`, "seek pos=42"},
		{`{"type":"spotify","cmd":"seek","position_ms":10,"value":"60000"}`, "seek pos=10"},
		{`{"type":"spotify","cmd":"like","track_id":"abc"}`, "like track=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.js, func(t *testing.T) {
			f := newFixture()
			res := f.d.Execute(context.Background(), action(t, tt.js))
			require.True(t, res.OK, res.Reason())
			assert.Equal(t, []string{tt.want}, f.player.list())
		})
	}
}

func TestSpotifySliderSeekIsMilliseconds(t *testing.T) {
	var mu sync.Mutex
	var seeks []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/me/player" {
			_, _ = w.Write([]byte(`{"is_playing":true,"progress_ms":1000,"item":{"id":"t1","duration_ms":200000}}`))
			return
		}
		mu.Lock()
		seeks = append(seeks, r.URL.RequestURI())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := New(Options{Player: nowplaying.NewSpotify(srv.Client(), srv.URL)})
	res := d.Execute(context.Background(), action(t, `{"type":"spotify","cmd":"seek","value":"60000"}`))
	require.True(t, res.OK, res.Reason())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/me/player/seek?position_ms=60000"}, seeks)
}

func TestSpotifyUnavailableAndUnknown(t *testing.T) {
	d := New(Options{})
	res := d.Execute(context.Background(), action(t, `{"type":"spotify","cmd":"next"}`))
	assert.ErrorIs(t, res.Err, nowplaying.ErrUnavailable)

	res = d.Execute(context.Background(), action(t, `{"type":"spotify","cmd":"shuffle"}`))
	assert.ErrorIs(t, res.Err, ErrUnknownCommand)

	res = d.Execute(context.Background(), action(t, `{"type":"spotify","cmd":"seek"}`))
	assert.ErrorIs(t, res.Err, ErrBadParams)
}

func TestNilActuatorsAreUnsupported(t *testing.T) {
	d := New(Options{})
	for _, js := range []string{
		`{"type":"system","cmd":"mute"}`,
		`{"type":"media","cmd":"next"}`,
		`{"type":"hotkey","keys":"ctrl+c"}`,
	} {
		res := d.Execute(context.Background(), action(t, js))
		assert.ErrorIs(t, res.Err, actuator.ErrUnsupported, js)
	}
}

func TestMediaAndHotkey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	assert.True(t, f.d.Execute(ctx, action(t, `{"type":"media","cmd":"play_pause"}`)).OK)
	assert.True(t, f.d.Execute(ctx, action(t, `{"type":"hotkey","keys":"Ctrl+Shift+M"}`)).OK)
	assert.Equal(t, []string{"media play_pause", "keys ctrl+shift+m"}, f.keys.list())

	assert.ErrorIs(t, f.d.Execute(ctx, action(t, `{"type":"media","cmd":"eject"}`)).Err, ErrUnknownCommand)
	assert.ErrorIs(t, f.d.Execute(ctx, action(t, `{"type":"hotkey","keys":"hyper+x"}`)).Err, ErrBadParams)
	assert.ErrorIs(t, f.d.Execute(ctx, action(t, `{"type":"hotkey","cmd":"hold","keys":"a"}`)).Err, ErrUnknownCommand)
}

func TestMacroRunsInOrder(t *testing.T) {
	f := newFixture()

	res := f.d.Execute(context.Background(), action(t, `{"type":"macro","steps":[
		{"type":"send_keys","keys":"ctrl+l"},
		{"type":"sleep","ms":250},
		{"type":"send_keys","keys":"h"},
		{"type":"send_enter"}
	]}`))
	require.True(t, res.OK, res.Reason())
	assert.Equal(t, []string{"keys ctrl+l", "sleep 250ms", "keys h", "keys enter"}, f.keys.list())
}

func TestMacroAbortsOnFirstFailure(t *testing.T) {
	f := newFixture()
	f.keys.failOn = "b"

	res := f.d.Execute(context.Background(), action(t, `{"type":"macro","steps":[
		{"type":"send_keys","keys":"a"},
		{"type":"send_keys","keys":"b"},
		{"type":"send_keys","keys":"c"}
	]}`))
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason(), "macro step 2/3")
	assert.Equal(t, []string{"keys a", "keys b"}, f.keys.list())
}

func TestMacroValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for _, js := range []string{
		`{"type":"macro"}`,
		`{"type":"macro","steps":[]}`,
		`{"type":"macro","steps":"nope"}`,
		`{"type":"macro","steps":[{"type":"send_keys","keys":"a"},{"type":"dance"}]}`,
	} {
		res := f.d.Execute(ctx, action(t, js))
		assert.ErrorIs(t, res.Err, ErrBadParams, js)
	}
	assert.Empty(t, f.keys.list(), "invalid macros must not run any step")
}

func TestMacroSleepIsClamped(t *testing.T) {
	plan, err := planMacro([]MacroStep{{Type: StepSleep, MS: -5}, {Type: StepSleep, MS: 1e9}})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), plan[0].wait)
	assert.Equal(t, 10*time.Second, plan[1].wait)
}

func TestMacroSleepHonoursCancellation(t *testing.T) {
	f := newFixture()
	f.d.sleep = sleepContext

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := f.d.Execute(ctx, action(t, `{"type":"macro","steps":[{"type":"sleep","ms":5000},{"type":"send_enter"}]}`))
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, f.keys.list())
}
