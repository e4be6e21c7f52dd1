package dispatch

import (
	"strconv"
	"strings"
)

// nircmd expresses volume on a 0..65535 scale
const nircmdVolumeMax = 65535.0

type legacyKind string

const (
	legacyLock         legacyKind = "lock"
	legacyMute         legacyKind = "mute"
	legacyChangeVolume legacyKind = "change_volume"
	legacySetVolume    legacyKind = "set_volume"
)

type legacyOp struct {
	kind    legacyKind
	percent float64
}

// translateLegacy maps nircmd command lines stored in old profiles onto
// actuator operations. Volume commands without a usable number are left to
// the shell.
func translateLegacy(command string) (legacyOp, bool) {
	lower := strings.ToLower(command)

	switch {
	case strings.Contains(lower, "lockworkstation"):
		return legacyOp{kind: legacyLock}, true
	case strings.Contains(lower, "mutesysvolume"):
		return legacyOp{kind: legacyMute}, true
	case strings.Contains(lower, "changesysvolume"):
		if n, ok := firstInt(lower, true); ok {
			return legacyOp{kind: legacyChangeVolume, percent: float64(n) / nircmdVolumeMax * 100}, true
		}
	case strings.Contains(lower, "setsysvolume"):
		if n, ok := firstInt(lower, false); ok {
			return legacyOp{kind: legacySetVolume, percent: float64(n) / nircmdVolumeMax * 100}, true
		}
	}
	return legacyOp{}, false
}

func firstInt(s string, signed bool) (int, bool) {
	for _, field := range strings.Fields(s) {
		if !signed && strings.HasPrefix(field, "-") {
			continue
		}
		if n, err := strconv.Atoi(field); err == nil {
			return n, true
		}
	}
	return 0, false
}
