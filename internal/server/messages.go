package server

import (
	"encoding/json"

	"github.com/codefionn/deckcompanion/internal/profile"
)

// Message types
const (
	MessageTypeExec       = "exec"
	MessageTypeSaveLayout = "save_layout"
	MessageTypeConfig     = "config"
	MessageTypeAck        = "ack"
)

// inboundMessage is the envelope of every client message. Fields not used by
// a given type stay empty.
type inboundMessage struct {
	Type   string          `json:"type"`
	Action json.RawMessage `json:"action,omitempty"`
	PageID string          `json:"pageId,omitempty"`
	Layout json.RawMessage `json:"layout,omitempty"`
}

// ConfigMessage carries a device's profile document
type ConfigMessage struct {
	Type string            `json:"type"`
	Data *profile.Document `json:"data"`
}

// NewConfigMessage wraps doc
func NewConfigMessage(doc *profile.Document) ConfigMessage {
	return ConfigMessage{Type: MessageTypeConfig, Data: doc}
}

// AckMessage answers an exec, or reports a rejected message
type AckMessage struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
	Err  string `json:"err,omitempty"`
}

// NewAck builds an ack; reason is ignored when ok
func NewAck(ok bool, reason string) AckMessage {
	if ok {
		reason = ""
	}
	return AckMessage{Type: MessageTypeAck, OK: ok, Err: reason}
}
