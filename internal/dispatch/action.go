package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind is the closed set of action categories
type Kind string

const (
	KindSpotify Kind = "spotify"
	KindSystem  Kind = "system"
	KindMedia   Kind = "media"
	KindHotkey  Kind = "hotkey"
	KindMacro   Kind = "macro"
	KindPing    Kind = "ping"
)

// Known reports whether k is one of the defined kinds
func (k Kind) Known() bool {
	switch k {
	case KindSpotify, KindSystem, KindMedia, KindHotkey, KindMacro, KindPing:
		return true
	}
	return false
}

// Action is the payload of an exec message: a kind, a command and whatever
// parameters the command takes.
type Action struct {
	Kind   Kind
	Cmd    string
	Params map[string]json.RawMessage
}

// UnmarshalJSON splits type and cmd from the remaining parameters
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("action must be an object")
	}

	var out Action
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, (*string)(&out.Kind)); err != nil {
			return fmt.Errorf("action type: %w", err)
		}
		delete(raw, "type")
	}
	if v, ok := raw["cmd"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &out.Cmd); err != nil {
			return fmt.Errorf("action cmd: %w", err)
		}
	}
	delete(raw, "cmd")
	out.Params = raw
	*a = out
	return nil
}

// MarshalJSON writes the action back in its wire shape
func (a Action) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.Params)+2)
	for k, v := range a.Params {
		m[k] = v
	}
	m["type"] = a.Kind
	if a.Cmd != "" {
		m["cmd"] = a.Cmd
	}
	return json.Marshal(m)
}

// Text returns a string parameter
func (a Action) Text(key string) (string, bool) {
	v, ok := a.Params[key]
	if !ok || isNull(v) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// Number returns a numeric parameter. Numeric strings are accepted too since
// slider widgets send their value as text.
func (a Action) Number(key string) (float64, bool) {
	v, ok := a.Params[key]
	if !ok || isNull(v) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Decode unmarshals a parameter into v
func (a Action) Decode(key string, v any) error {
	raw, ok := a.Params[key]
	if !ok || isNull(raw) {
		return fmt.Errorf("missing parameter %q", key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parameter %q: %w", key, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
