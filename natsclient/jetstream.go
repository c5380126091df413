package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tyriis/webofneeds/errors"
	"github.com/tyriis/webofneeds/pkg/retry"
)

// StreamSpec describes a JetStream stream for an inbound channel
type StreamSpec struct {
	Name      string
	Subjects  []string
	Retention jetstream.RetentionPolicy
	MaxAge    time.Duration
}

// ConsumerSpec describes a durable consumer on a stream
type ConsumerSpec struct {
	Stream     string
	Durable    string
	Subject    string
	MaxDeliver int
	AckWait    time.Duration
}

// EnsureStream creates the stream if it does not exist yet and returns it
func (c *Client) EnsureStream(ctx context.Context, spec StreamSpec) (jetstream.Stream, error) {
	js := c.JetStream()
	if js == nil {
		return nil, ErrNotConnected
	}

	cfg := jetstream.StreamConfig{
		Name:      spec.Name,
		Subjects:  spec.Subjects,
		Retention: spec.Retention,
		MaxAge:    spec.MaxAge,
		Storage:   jetstream.FileStorage,
	}

	stream, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (jetstream.Stream, error) {
		return js.CreateOrUpdateStream(ctx, cfg)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "EnsureStream",
			fmt.Sprintf("create stream %s", spec.Name))
	}
	return stream, nil
}

// EnsureConsumer creates a durable pull consumer on the stream if it does not
// exist yet. Explicit acks give the at-least-once redelivery contract.
func (c *Client) EnsureConsumer(ctx context.Context, spec ConsumerSpec) (jetstream.Consumer, error) {
	js := c.JetStream()
	if js == nil {
		return nil, ErrNotConnected
	}

	maxDeliver := spec.MaxDeliver
	if maxDeliver == 0 {
		maxDeliver = 5
	}
	ackWait := spec.AckWait
	if ackWait == 0 {
		ackWait = 30 * time.Second
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       spec.Durable,
		FilterSubject: spec.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxDeliver,
		AckWait:       ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	consumer, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (jetstream.Consumer, error) {
		return js.CreateOrUpdateConsumer(ctx, spec.Stream, cfg)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "EnsureConsumer",
			fmt.Sprintf("create consumer %s on %s", spec.Durable, spec.Stream))
	}
	return consumer, nil
}

// PublishToStream publishes data to a JetStream subject and waits for the ack
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js := c.JetStream()
	if js == nil {
		return ErrNotConnected
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "PublishToStream",
			fmt.Sprintf("publish to %s", subject))
	}
	return nil
}
