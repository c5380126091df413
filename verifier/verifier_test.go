package verifier_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/verifier"
)

const nodeURI = "https://node.test"

func signedMessage(t *testing.T, key []byte) *message.Message {
	t.Helper()
	msg := message.New(nodeURI, message.TypeConnect, message.FromPeer,
		"https://peer.test/atom/a", "https://node.test/atom/b")
	payload, err := json.Marshal(verifier.SignaturePayload{
		Signature: verifier.Sign(key, msg),
	})
	require.NoError(t, err)
	msg.Payload = payload
	return msg
}

func TestAllowAll(t *testing.T) {
	msg := message.New(nodeURI, message.TypeConnect, message.FromPeer, "s", "r")
	ok, err := verifier.AllowAll{}.Verify(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDenyList(t *testing.T) {
	deny := verifier.DenyList{"https://evil.test/atom/x": true}

	blocked := message.New(nodeURI, message.TypeConnect, message.FromPeer,
		"https://evil.test/atom/x", "r")
	ok, err := deny.Verify(context.Background(), blocked)
	require.NoError(t, err)
	assert.False(t, ok)

	allowed := message.New(nodeURI, message.TypeConnect, message.FromPeer,
		"https://peer.test/atom/a", "r")
	ok, err = deny.Verify(context.Background(), allowed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHMACVerifier(t *testing.T) {
	key := []byte("shared-secret")
	v := verifier.NewHMACVerifier(map[string][]byte{
		"https://peer.test/atom/a": key,
	})

	t.Run("valid signature", func(t *testing.T) {
		msg := signedMessage(t, key)
		ok, err := v.Verify(context.Background(), msg)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong key", func(t *testing.T) {
		msg := signedMessage(t, []byte("not-the-secret"))
		ok, err := v.Verify(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("tampered message", func(t *testing.T) {
		msg := signedMessage(t, key)
		msg.ReceiverID = "https://node.test/atom/other"
		ok, err := v.Verify(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown sender", func(t *testing.T) {
		msg := signedMessage(t, key)
		msg.SenderID = "https://stranger.test/atom/z"
		ok, err := v.Verify(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing signature", func(t *testing.T) {
		msg := message.New(nodeURI, message.TypeConnect, message.FromPeer,
			"https://peer.test/atom/a", "r")
		ok, err := v.Verify(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
