package eventchain

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/ownables/pkg/canonicalize"
	"github.com/Mindburn-Labs/ownables/pkg/identity"
)

// Payload contexts. The genesis event instantiates the module; every later
// event is an execute message.
const (
	ContextInstantiate = "instantiate_msg.json"
	ContextExecute     = "execute_msg.json"
)

// MediaTypeJSON is the only media type carried by ownable events.
const MediaTypeJSON = "application/json"

// Event is one signed, hash-linked entry of an event chain.
type Event struct {
	Previous  string          `json:"previous"`
	Timestamp int64           `json:"timestamp"`
	MediaType string          `json:"mediaType"`
	Data      json.RawMessage `json:"data"`
	SignKey   string          `json:"signKey,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Hash      string          `json:"hash"`
}

// hashable is the part of an event covered by its hash.
type hashable struct {
	Previous  string          `json:"previous"`
	Timestamp int64           `json:"timestamp"`
	MediaType string          `json:"mediaType"`
	Data      json.RawMessage `json:"data"`
	SignKey   string          `json:"signKey"`
}

// ComputeHash returns the content hash of the event. It depends only on the
// previous hash and the event body, so hash(chain[0..n]) is a pure function
// of the prefix.
func (e *Event) ComputeHash() (string, error) {
	return canonicalize.CanonicalHash(hashable{
		Previous:  e.Previous,
		Timestamp: e.Timestamp,
		MediaType: e.MediaType,
		Data:      e.Data,
		SignKey:   e.SignKey,
	})
}

// VerifySignature checks the signature over the event hash.
func (e *Event) VerifySignature() (bool, error) {
	if e.SignKey == "" || e.Signature == "" {
		return false, nil
	}
	return identity.Verify(e.SignKey, e.Signature, []byte(e.Hash))
}

// Sender returns the address of the key that signed the event.
func (e *Event) Sender(network byte) (string, error) {
	if e.SignKey == "" {
		return "", fmt.Errorf("event %s is not signed", e.Hash)
	}
	return identity.AddressOfHex(e.SignKey, network)
}

// Message splits the event data into its "@context" and the message body
// with the context key removed.
func (e *Event) Message() (string, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return "", nil, fmt.Errorf("event %s: data is not a JSON object: %w", e.Hash, err)
	}
	var context string
	if raw, ok := fields["@context"]; ok {
		if err := json.Unmarshal(raw, &context); err != nil {
			return "", nil, fmt.Errorf("event %s: invalid @context: %w", e.Hash, err)
		}
		delete(fields, "@context")
	}
	body, err := canonicalize.JCS(fields)
	if err != nil {
		return "", nil, err
	}
	return context, body, nil
}

// NewPayload builds event data for a message body under the given context.
func NewPayload(context string, body json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("message must be a JSON object: %w", err)
		}
	}
	ctx, err := json.Marshal(context)
	if err != nil {
		return nil, err
	}
	fields["@context"] = ctx
	return canonicalize.JCS(fields)
}
