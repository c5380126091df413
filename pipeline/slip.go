package pipeline

import (
	"github.com/tyriis/webofneeds/message"
)

// Hop names one step of the post-commit routing slip
type Hop string

const (
	HopRespondToSender Hop = "respond-to-sender"
	HopForwardToPeer   Hop = "forward-to-peer"
	HopForwardToOwner  Hop = "forward-to-owner"
	HopReactLocally    Hop = "react-locally"
	HopNotifyMatchers  Hop = "notify-matchers"
)

// ComputeSlip decides, from the committed message alone, which hops run.
// The slip is computed once after commit so a crash between hops never
// re-evaluates against mutated state.
func ComputeSlip(msg *message.Message, response *message.Message) []Hop {
	slip := make([]Hop, 0, 5)

	if response != nil {
		slip = append(slip, HopRespondToSender)
	}
	if forwardsToPeer(msg) {
		slip = append(slip, HopForwardToPeer)
	}
	if forwardsToOwner(msg) {
		slip = append(slip, HopForwardToOwner)
	}
	if !msg.Flags.SuppressReaction {
		slip = append(slip, HopReactLocally)
	}
	if notifiesMatchers(msg) {
		slip = append(slip, HopNotifyMatchers)
	}
	return slip
}

// forwardsToPeer holds for locally originated messages whose type reaches
// across to the remote node
func forwardsToPeer(msg *message.Message) bool {
	if msg.Flags.SuppressForwardToPeer {
		return false
	}
	switch msg.Direction {
	case message.FromOwner, message.FromSystem:
		return msg.Type.CausesOutgoingMessage()
	}
	return false
}

// forwardsToOwner holds for messages arriving from outside that the owner
// applications need to see
func forwardsToOwner(msg *message.Message) bool {
	if msg.Flags.SuppressForwardToOwner {
		return false
	}
	return msg.Direction.Remote()
}

// notifiesMatchers holds for atom lifecycle operations matchers index
func notifiesMatchers(msg *message.Message) bool {
	switch msg.Type {
	case message.TypeCreateAtom, message.TypeActivateAtom, message.TypeDeactivateAtom:
		return true
	}
	return false
}
