//go:build linux

package actuator

import (
	"fmt"
	"strings"
)

var xdotoolKeys = map[string]string{
	"enter":     "Return",
	"escape":    "Escape",
	"tab":       "Tab",
	"space":     "space",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"home":      "Home",
	"end":       "End",
	"pageup":    "Prior",
	"pagedown":  "Next",
}

func platformCommands() commandSet {
	const sink = "@DEFAULT_SINK@"
	return commandSet{
		name: "linux",
		setVolume: func(percent int) []string {
			return []string{"pactl", "set-sink-volume", sink, fmt.Sprintf("%d%%", percent)}
		},
		changeVolume: func(delta int) []string {
			return []string{"pactl", "set-sink-volume", sink, fmt.Sprintf("%+d%%", delta)}
		},
		toggleMute: []string{"pactl", "set-sink-mute", sink, "toggle"},
		lock:       []string{"xdg-screensaver", "lock"},
		openURL: func(url string) []string {
			return []string{"xdg-open", url}
		},
		sendKeys: func(c Combo) ([]string, error) {
			return []string{"xdotool", "key", "--clearmodifiers", xdotoolCombo(c)}, nil
		},
		media: map[MediaKey][]string{
			MediaPlayPause:  {"xdotool", "key", "XF86AudioPlay"},
			MediaNext:       {"xdotool", "key", "XF86AudioNext"},
			MediaPrev:       {"xdotool", "key", "XF86AudioPrev"},
			MediaStop:       {"xdotool", "key", "XF86AudioStop"},
			MediaVolumeUp:   {"xdotool", "key", "XF86AudioRaiseVolume"},
			MediaVolumeDown: {"xdotool", "key", "XF86AudioLowerVolume"},
			MediaMute:       {"xdotool", "key", "XF86AudioMute"},
		},
		shell: func(command string) []string {
			return []string{"/bin/sh", "-c", command}
		},
	}
}

func xdotoolCombo(c Combo) string {
	parts := append([]string{}, c.Modifiers...)
	key := c.Key
	if mapped, ok := xdotoolKeys[key]; ok {
		key = mapped
	} else if isFunctionKey(key) {
		key = strings.ToUpper(key)
	}
	return strings.Join(append(parts, key), "+")
}

// isFunctionKey matches f1..f24
func isFunctionKey(key string) bool {
	if len(key) < 2 || len(key) > 3 || key[0] != 'f' {
		return false
	}
	for _, r := range key[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
