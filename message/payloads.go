package message

import "encoding/json"

// Typed payloads for the message types whose content the node itself
// interprets. Conversational payloads stay opaque.

// CreateAtomPayload carries the registration data for a new atom
type CreateAtomPayload struct {
	// OwnerApp identifies the owner application registering the atom.
	// It becomes the first authorized application for the atom.
	OwnerApp string          `json:"owner_app"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// HintPayload carries a matcher's connection proposal
type HintPayload struct {
	// CounterpartAtom is the remote atom the matcher proposes to connect to
	CounterpartAtom string `json:"counterpart_atom"`
	// Score is the matcher's confidence in the proposal
	Score float64 `json:"score,omitempty"`
}

// DecodePayload unmarshals a typed payload from a message content blob
func DecodePayload[T any](raw json.RawMessage) (*T, error) {
	var p T
	if len(raw) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
