package dispatch

import (
	"context"
	"strings"

	"github.com/tyriis/webofneeds/message"
	"github.com/tyriis/webofneeds/natsclient"
)

// Transport delivers an encoded message to an outbound subject. The NATS
// implementation publishes into JetStream; tests use a capture transport.
type Transport interface {
	Deliver(ctx context.Context, subject string, msg *message.Message) error
}

// Outbound subject hierarchy. Owner and node subjects carry a recipient
// token so consumers subscribe selectively.
const (
	SubjectOwnerPrefix = "won.out.owner."
	SubjectNodePrefix  = "won.out.node."
	SubjectMatcher     = "won.out.matcher"
)

// OwnerSubject returns the outbound subject for one owner application
func OwnerSubject(ownerApp string) string {
	return SubjectOwnerPrefix + subjectToken(ownerApp)
}

// NodeSubject returns the outbound subject for a peer node
func NodeSubject(nodeURI string) string {
	return SubjectNodePrefix + subjectToken(nodeURI)
}

// subjectToken turns a URI or application ID into a legal NATS subject
// token. Dots would split the subject, so everything outside [a-zA-Z0-9_-]
// becomes an underscore.
func subjectToken(s string) string {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// NATSTransport publishes outbound messages into the outbound JetStream
// stream through the shared client
type NATSTransport struct {
	client *natsclient.Client
}

// NewNATSTransport wraps a connected client
func NewNATSTransport(client *natsclient.Client) *NATSTransport {
	return &NATSTransport{client: client}
}

// Deliver publishes the encoded message with JetStream acknowledgment
func (t *NATSTransport) Deliver(ctx context.Context, subject string, msg *message.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return t.client.PublishToStream(ctx, subject, data)
}
