package message

import (
	"encoding/json"
	"fmt"
)

// FailurePayload is the content blob of a failure response
type FailurePayload struct {
	Error string `json:"error"`
}

// NewSuccessResponse builds the acknowledgment for a successfully processed
// message. Sender and receiver are swapped relative to the original so the
// response travels back to where the original came from.
func NewSuccessResponse(nodeURI string, original *Message) *Message {
	return newResponse(nodeURI, TypeSuccessResponse, original, nil)
}

// NewFailureResponse builds the acknowledgment for a message that failed
// validation or processing. The failure reason travels in the payload.
func NewFailureResponse(nodeURI string, original *Message, cause error) *Message {
	payload, err := json.Marshal(FailurePayload{Error: cause.Error()})
	if err != nil {
		payload = json.RawMessage(fmt.Sprintf(`{"error":%q}`, cause.Error()))
	}
	return newResponse(nodeURI, TypeFailureResponse, original, payload)
}

func newResponse(nodeURI string, t Type, original *Message, payload json.RawMessage) *Message {
	return New(nodeURI, t, FromSystem,
		original.ReceiverID, original.SenderID,
		WithConnections(original.ReceiverConnection, original.SenderConnection),
		WithCorrelation(original.ID),
		WithPayload(payload),
	)
}
