package message

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeURI = "https://node.test"

func validConnect() *Message {
	return New(nodeURI, TypeConnect, FromOwner,
		nodeURI+"/atom/a", "https://peer.test/atom/b",
		WithConnections(nodeURI+"/connection/c1", ""))
}

func TestMintID(t *testing.T) {
	id1 := MintID(nodeURI)
	id2 := MintID(nodeURI)

	assert.True(t, strings.HasPrefix(id1, nodeURI+"/msg/"))
	assert.NotEqual(t, id1, id2)
}

func TestNewDefaults(t *testing.T) {
	msg := validConnect()

	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, TypeConnect, msg.Type)
	assert.Equal(t, FromOwner, msg.Direction)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Message)
		wantErr string
	}{
		{
			name:   "valid message",
			mutate: func(*Message) {},
		},
		{
			name:    "missing id",
			mutate:  func(m *Message) { m.ID = "" },
			wantErr: "id",
		},
		{
			name:    "unknown type",
			mutate:  func(m *Message) { m.Type = Type("bogus") },
			wantErr: "type",
		},
		{
			name:    "unknown direction",
			mutate:  func(m *Message) { m.Direction = Direction("sideways") },
			wantErr: "direction",
		},
		{
			name:    "direction not legal for type",
			mutate:  func(m *Message) { m.Type = TypeHint },
			wantErr: "direction",
		},
		{
			name:    "missing sender",
			mutate:  func(m *Message) { m.SenderID = "" },
			wantErr: "sender",
		},
		{
			name: "response without correlation",
			mutate: func(m *Message) {
				m.Type = TypeSuccessResponse
				m.Direction = FromPeer
				m.CorrelationID = ""
			},
			wantErr: "correlation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validConnect()
			tt.mutate(msg)
			err := msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), tt.wantErr)
		})
	}
}

func TestDirectionRemote(t *testing.T) {
	assert.True(t, FromPeer.Remote())
	assert.True(t, FromExternal.Remote())
	assert.True(t, FromMatcher.Remote())
	assert.False(t, FromOwner.Remote())
	assert.False(t, FromSystem.Remote())
}

func TestTypeBehavior(t *testing.T) {
	assert.True(t, TypeConnect.CausesOutgoingMessage())
	assert.True(t, TypeClose.CausesOutgoingMessage())
	assert.True(t, TypeConnectionMessage.CausesOutgoingMessage())
	assert.False(t, TypeCreateAtom.CausesOutgoingMessage())
	assert.False(t, TypeHint.CausesOutgoingMessage())

	assert.True(t, TypeConnect.AllowsConnectionCreation())
	assert.True(t, TypeHint.AllowsConnectionCreation())
	assert.False(t, TypeClose.AllowsConnectionCreation())

	assert.True(t, TypeSuccessResponse.IsResponse())
	assert.True(t, TypeFailureResponse.IsResponse())
	assert.False(t, TypeConnect.IsResponse())
}

func TestLocalConnectionID(t *testing.T) {
	msg := New(nodeURI, TypeConnectionMessage, FromOwner, "a", "b",
		WithConnections("local-conn", "remote-conn"))
	assert.Equal(t, "local-conn", msg.LocalConnectionID())

	msg.Direction = FromPeer
	assert.Equal(t, "remote-conn", msg.LocalConnectionID())
}

func TestRemoteCopy(t *testing.T) {
	msg := validConnect()
	msg.Flags = Flags{SuppressReaction: true}

	id := MintID(nodeURI)
	cp := msg.RemoteCopy(id)

	assert.Equal(t, id, cp.ID)
	assert.Equal(t, msg.ID, cp.CorrelationID)
	assert.Equal(t, msg.Type, cp.Type)
	assert.Equal(t, Flags{}, cp.Flags)
	// The original is untouched
	assert.True(t, msg.Flags.SuppressReaction)
}

func TestEncodeDecode(t *testing.T) {
	msg := validConnect()
	msg.Timestamp = msg.Timestamp.Truncate(time.Millisecond)

	data, err := msg.Encode()
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.Type, back.Type)
	assert.Equal(t, msg.SenderConnection, back.SenderConnection)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestSuccessResponseSwapsEndpoints(t *testing.T) {
	original := New(nodeURI, TypeConnect, FromPeer,
		"https://peer.test/atom/b", nodeURI+"/atom/a",
		WithConnections("peer-conn", "local-conn"))

	resp := NewSuccessResponse(nodeURI, original)

	assert.Equal(t, TypeSuccessResponse, resp.Type)
	assert.Equal(t, original.ReceiverID, resp.SenderID)
	assert.Equal(t, original.SenderID, resp.ReceiverID)
	assert.Equal(t, original.ID, resp.CorrelationID)
	assert.Equal(t, "local-conn", resp.SenderConnection)
	assert.Equal(t, "peer-conn", resp.ReceiverConnection)
}

func TestFailureResponseCarriesCause(t *testing.T) {
	original := validConnect()
	resp := NewFailureResponse(nodeURI, original, errors.New("no such atom"))

	assert.Equal(t, TypeFailureResponse, resp.Type)

	payload, err := DecodePayload[FailurePayload](resp.Payload)
	require.NoError(t, err)
	assert.Contains(t, payload.Error, "no such atom")
}

func TestParseType(t *testing.T) {
	parsed, err := ParseType("connect")
	require.NoError(t, err)
	assert.Equal(t, TypeConnect, parsed)

	_, err = ParseType("bogus")
	assert.Error(t, err)
}
