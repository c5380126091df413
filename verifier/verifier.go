// Package verifier defines the pluggable signature and authorization
// collaborator. The node delegates all cryptographic checking here; the
// pipeline only cares about the yes/no answer.
package verifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tyriis/webofneeds/message"
)

// Verifier checks that a message is authentic and its sender authorized
type Verifier interface {
	Verify(ctx context.Context, msg *message.Message) (bool, error)
}

// AllowAll accepts every message. Useful for local runs and between trusted
// processes; production deployments plug in a real verifier.
type AllowAll struct{}

// Verify always returns true
func (AllowAll) Verify(_ context.Context, _ *message.Message) (bool, error) {
	return true, nil
}

// DenyList rejects messages from the listed sender identifiers and accepts
// everything else. Test fake for exercising rejection paths.
type DenyList map[string]bool

// Verify returns false for listed senders
func (d DenyList) Verify(_ context.Context, msg *message.Message) (bool, error) {
	return !d[msg.SenderID], nil
}

// SignaturePayload is the envelope wrapper a signing sender produces: the
// signature covers the serialized message with the signature field blanked.
type SignaturePayload struct {
	Signature string `json:"signature"`
}

// HMACVerifier validates an HMAC-SHA256 signature carried in the payload
// against a static keyring mapping sender identifiers to shared secrets.
type HMACVerifier struct {
	keys map[string][]byte
}

// NewHMACVerifier creates a verifier with a sender-to-secret keyring
func NewHMACVerifier(keys map[string][]byte) *HMACVerifier {
	return &HMACVerifier{keys: keys}
}

// Verify recomputes the HMAC over the message content and compares it to the
// signature in the payload. Senders without a key are rejected.
func (v *HMACVerifier) Verify(_ context.Context, msg *message.Message) (bool, error) {
	key, ok := v.keys[msg.SenderID]
	if !ok {
		return false, nil
	}

	var sig SignaturePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			return false, nil
		}
	}
	if sig.Signature == "" {
		return false, nil
	}

	expected := Sign(key, msg)
	return hmac.Equal([]byte(expected), []byte(sig.Signature)), nil
}

// Sign computes the HMAC-SHA256 signature a sender would attach to msg
func Sign(key []byte, msg *message.Message) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg.ID))
	mac.Write([]byte(msg.Type))
	mac.Write([]byte(msg.SenderID))
	mac.Write([]byte(msg.ReceiverID))
	return hex.EncodeToString(mac.Sum(nil))
}
