//go:build windows

package actuator

import (
	"fmt"
	"math"
	"strings"
)

// nircmd expresses volume on a 0..65535 scale
const nircmdVolumeMax = 65535

func platformCommands() commandSet {
	return commandSet{
		name: "windows",
		setVolume: func(percent int) []string {
			return []string{"nircmd", "setsysvolume", fmt.Sprint(toNircmd(percent))}
		},
		changeVolume: func(delta int) []string {
			return []string{"nircmd", "changesysvolume", fmt.Sprint(toNircmd(delta))}
		},
		toggleMute: []string{"nircmd", "mutesysvolume", "2"},
		lock:       []string{"rundll32.exe", "user32.dll,LockWorkStation"},
		openURL: func(url string) []string {
			return []string{"rundll32.exe", "url.dll,FileProtocolHandler", url}
		},
		sendKeys: func(c Combo) ([]string, error) {
			parts := append([]string{}, c.Modifiers...)
			for i, m := range parts {
				if m == "super" {
					parts[i] = "lwin"
				}
			}
			return []string{"nircmd", "sendkeypress", strings.Join(append(parts, c.Key), "+")}, nil
		},
		media: map[MediaKey][]string{
			MediaPlayPause:  {"nircmd", "sendkeypress", "0xB3"},
			MediaNext:       {"nircmd", "sendkeypress", "0xB0"},
			MediaPrev:       {"nircmd", "sendkeypress", "0xB1"},
			MediaStop:       {"nircmd", "sendkeypress", "0xB2"},
			MediaVolumeUp:   {"nircmd", "sendkeypress", "0xAF"},
			MediaVolumeDown: {"nircmd", "sendkeypress", "0xAE"},
			MediaMute:       {"nircmd", "sendkeypress", "0xAD"},
		},
		shell: func(command string) []string {
			return []string{"cmd", "/C", command}
		},
	}
}

func toNircmd(percent int) int {
	return int(math.Round(float64(percent) * nircmdVolumeMax / 100))
}
