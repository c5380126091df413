package errors

import (
	"errors"
	"fmt"
)

// Protocol errors abort processing of a single message without affecting the
// rest of the node. Validation-stage errors are reported back to the sender as
// a failure response; they never unwind already committed state.
//
// State and message type are carried as strings to keep this package free of
// model dependencies.

// MalformedMessageError indicates a message that is structurally incomplete
// for its declared type.
type MalformedMessageError struct {
	MessageID string
	Reason    string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message %s: %s", e.MessageID, e.Reason)
}

// WrongNodeError indicates a message whose receiver does not belong to this node.
type WrongNodeError struct {
	MessageID string
	Receiver  string
	NodeURI   string
}

func (e *WrongNodeError) Error() string {
	return fmt.Sprintf("message %s addressed to %s which is not served by node %s",
		e.MessageID, e.Receiver, e.NodeURI)
}

// UnknownConnectionError indicates a message referencing a connection that does
// not exist and whose type does not permit creating one.
type UnknownConnectionError struct {
	MessageID    string
	ConnectionID string
}

func (e *UnknownConnectionError) Error() string {
	return fmt.Sprintf("message %s references unknown connection %s", e.MessageID, e.ConnectionID)
}

// UnauthorizedMessageError indicates a message that failed signature or
// authorization verification.
type UnauthorizedMessageError struct {
	MessageID string
	Sender    string
}

func (e *UnauthorizedMessageError) Error() string {
	return fmt.Sprintf("message %s from %s failed authorization", e.MessageID, e.Sender)
}

// IllegalTransitionError indicates a state transition not present in the
// connection state machine's transition table.
type IllegalTransitionError struct {
	ConnectionID string
	FromState    string
	MessageType  string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition on connection %s: %s in state %s",
		e.ConnectionID, e.MessageType, e.FromState)
}

// IllegalMessageForStateError indicates a message whose type is recognized but
// not applicable to the connection's current state. Reported, non-fatal: the
// pipeline aborts for that message only.
type IllegalMessageForStateError struct {
	ConnectionID string
	State        string
	MessageType  string
}

func (e *IllegalMessageForStateError) Error() string {
	return fmt.Sprintf("message type %s not allowed for connection %s in state %s",
		e.MessageType, e.ConnectionID, e.State)
}

// DeliveryFailureError indicates a post-commit hop failed to deliver. The local
// commit stands; redelivery is the transport's obligation.
type DeliveryFailureError struct {
	MessageID string
	Hop       string
	Recipient string
	Err       error
}

func (e *DeliveryFailureError) Error() string {
	return fmt.Sprintf("delivery of message %s failed at hop %s (recipient %s): %v",
		e.MessageID, e.Hop, e.Recipient, e.Err)
}

func (e *DeliveryFailureError) Unwrap() error { return e.Err }

// StorageError indicates a durable commit failure. Fatal to the current
// pipeline run; recovered by redelivery of the inbound message.
type StorageError struct {
	MessageID string
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for message %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is one of the validation or state
// machine errors that must be answered with a failure response.
func IsProtocolError(err error) bool {
	var (
		malformed  *MalformedMessageError
		wrongNode  *WrongNodeError
		unknown    *UnknownConnectionError
		unAuth     *UnauthorizedMessageError
		illegalTr  *IllegalTransitionError
		illegalMsg *IllegalMessageForStateError
	)
	return errors.As(err, &malformed) ||
		errors.As(err, &wrongNode) ||
		errors.As(err, &unknown) ||
		errors.As(err, &unAuth) ||
		errors.As(err, &illegalTr) ||
		errors.As(err, &illegalMsg)
}
