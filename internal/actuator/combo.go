package actuator

import (
	"fmt"
	"strings"
)

// Combo is a parsed key combination: zero or more modifiers and one key.
type Combo struct {
	Modifiers []string
	Key       string
}

var modifierAliases = map[string]string{
	"ctrl":    "ctrl",
	"control": "ctrl",
	"shift":   "shift",
	"alt":     "alt",
	"option":  "alt",
	"win":     "super",
	"super":   "super",
	"cmd":     "super",
	"command": "super",
	"meta":    "super",
}

var keyAliases = map[string]string{
	"return":   "enter",
	"esc":      "escape",
	"del":      "delete",
	"spacebar": "space",
}

// ParseCombo parses strings like "ctrl+shift+m" or "alt+F4". Modifier and
// key names are case-insensitive.
func ParseCombo(s string) (Combo, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	if len(parts) == 0 || parts[0] == "" {
		return Combo{}, fmt.Errorf("empty key combination")
	}

	var c Combo
	seen := make(map[string]bool)
	for i, raw := range parts {
		p := strings.TrimSpace(raw)
		if p == "" {
			return Combo{}, fmt.Errorf("malformed key combination %q", s)
		}
		if i < len(parts)-1 {
			mod, ok := modifierAliases[p]
			if !ok {
				return Combo{}, fmt.Errorf("unknown modifier %q in %q", p, s)
			}
			if !seen[mod] {
				seen[mod] = true
				c.Modifiers = append(c.Modifiers, mod)
			}
			continue
		}
		if alias, ok := keyAliases[p]; ok {
			p = alias
		}
		c.Key = p
	}
	return c, nil
}

// HasModifier reports whether mod is part of the combination
func (c Combo) HasModifier(mod string) bool {
	for _, m := range c.Modifiers {
		if m == mod {
			return true
		}
	}
	return false
}

func (c Combo) String() string {
	return strings.Join(append(append([]string{}, c.Modifiers...), c.Key), "+")
}
