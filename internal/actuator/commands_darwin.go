//go:build darwin

package actuator

import (
	"fmt"
	"strings"
)

// key codes for keys that System Events cannot type as characters
var appleKeyCodes = map[string]int{
	"enter":     36,
	"tab":       48,
	"space":     49,
	"backspace": 51,
	"escape":    53,
	"delete":    117,
	"left":      123,
	"right":     124,
	"down":      125,
	"up":        126,
}

var appleModifiers = map[string]string{
	"ctrl":  "control down",
	"shift": "shift down",
	"alt":   "option down",
	"super": "command down",
}

func platformCommands() commandSet {
	osascript := func(script string) []string {
		return []string{"osascript", "-e", script}
	}
	return commandSet{
		name: "darwin",
		setVolume: func(percent int) []string {
			return osascript(fmt.Sprintf("set volume output volume %d", percent))
		},
		changeVolume: func(delta int) []string {
			return osascript(fmt.Sprintf("set volume output volume ((output volume of (get volume settings)) + %d)", delta))
		},
		toggleMute: osascript("set volume output muted not (output muted of (get volume settings))"),
		lock:       []string{"pmset", "displaysleepnow"},
		openURL: func(url string) []string {
			return []string{"open", url}
		},
		sendKeys: func(c Combo) ([]string, error) {
			script, err := appleKeystroke(c)
			if err != nil {
				return nil, err
			}
			return osascript(script), nil
		},
		media: map[MediaKey][]string{
			MediaVolumeUp:   osascript("set volume output volume ((output volume of (get volume settings)) + 6)"),
			MediaVolumeDown: osascript("set volume output volume ((output volume of (get volume settings)) - 6)"),
			MediaMute:       osascript("set volume output muted not (output muted of (get volume settings))"),
		},
		shell: func(command string) []string {
			return []string{"/bin/sh", "-c", command}
		},
	}
}

func appleKeystroke(c Combo) (string, error) {
	var action string
	if code, ok := appleKeyCodes[c.Key]; ok {
		action = fmt.Sprintf("key code %d", code)
	} else if len([]rune(c.Key)) == 1 && c.Key != `"` && c.Key != `\` {
		action = fmt.Sprintf("keystroke %q", c.Key)
	} else {
		return "", fmt.Errorf("key %q: %w", c.Key, ErrUnsupported)
	}

	if len(c.Modifiers) > 0 {
		mods := make([]string, 0, len(c.Modifiers))
		for _, m := range c.Modifiers {
			mods = append(mods, appleModifiers[m])
		}
		action += " using {" + strings.Join(mods, ", ") + "}"
	}
	return `tell application "System Events" to ` + action, nil
}
