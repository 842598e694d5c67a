package sandbox

import (
	"encoding/json"

	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

// Method names of the sandbox message surface.
type Method string

const (
	MethodInit    Method = "init"
	MethodExecute Method = "execute"
	MethodQuery   Method = "query"
	MethodRefresh Method = "refresh"
)

// Request is the host-to-module message. The ownable_id tag disambiguates
// sandboxes that share one transport.
//
// Arguments per method:
//
//	init:    [instantiate msg, info]
//	execute: [msg, info, state]
//	query:   [msg, state]
//	refresh: [state]
type Request struct {
	OwnableID string            `json:"ownable_id"`
	Method    Method            `json:"method"`
	Args      []json.RawMessage `json:"args"`
}

// Response is the module-to-host message: either result, or error + cause.
type Response struct {
	OwnableID string          `json:"ownable_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Cause     json.RawMessage `json:"cause,omitempty"`
}

// MessageInfo describes who sent a message.
type MessageInfo struct {
	Sender string            `json:"sender"`
	Funds  []json.RawMessage `json:"funds"`
}

// NewMessageInfo returns info for sender with no funds attached.
func NewMessageInfo(sender string) MessageInfo {
	return MessageInfo{Sender: sender, Funds: []json.RawMessage{}}
}

// ExecuteResult is returned by init and execute.
type ExecuteResult struct {
	State      statedump.Dump `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}
