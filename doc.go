// Package webofneeds implements the message processing core of a Web of
// Needs node: the server that hosts atoms, brokers connections between
// them and relays messages between owner applications, peer nodes and
// matcher services.
//
// # Architecture
//
// Messages arrive on four inbound channels over NATS JetStream, one per
// participant class:
//
//	┌──────────┐  ┌──────────┐  ┌──────────┐  ┌──────────┐
//	│  owner   │  │   node   │  │ matcher  │  │  system  │
//	└────┬─────┘  └────┬─────┘  └────┬─────┘  └────┬─────┘
//	     └─────────────┴──────┬──────┴──────────────┘
//	                          ↓
//	            ┌─────────────────────────┐
//	            │        pipeline         │  validate, state machine,
//	            │                         │  react, respond, commit
//	            └────────────┬────────────┘
//	                         ↓
//	            ┌─────────────────────────┐
//	            │        dispatch         │  respond, forward to peer,
//	            │                         │  forward to owner, matchers
//	            └─────────────────────────┘
//
// Each channel runs a worker pool fed by a durable pull consumer. A
// message is processed end to end under a per-connection lock: it is
// validated, applied to the connection state machine, committed to the
// ledger and the connection store, and only then fanned out along its
// routing slip. Duplicate deliveries replay the recorded response instead
// of reprocessing.
//
// # Packages
//
//   - message: the protocol message model, types, directions and responses
//   - connection: connections, atoms, the state machine and their store
//   - ledger: the idempotency ledger recording processed messages
//   - pipeline: the processing pipeline from validation to fan-out
//   - dispatch: outbound delivery over NATS subjects
//   - node: the service wiring channels, pools, storage and pipeline
//   - gateway/websocket: the websocket gateway for owner applications
//   - storage: the blob store interface with memory, KV and cached backends
//   - natsclient: the shared NATS and JetStream client
//
// The cmd/wonode command assembles all of this into the node binary.
package webofneeds
