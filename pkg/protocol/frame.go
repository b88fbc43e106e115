// Package protocol implements the Control↔Agent Protocol (§4.4): a
// long-lived, mutually-authenticated TLS connection carrying
// length-prefixed, typed JSON messages in both directions, with a
// single-slot mailbox on the receiving side and exponential-backoff
// reconnection.
//
// Grounded on the teacher's pkg/worker/worker.go connection-lifecycle
// pattern (connectWithMTLS, requestCertificate, heartbeat loop), adapted
// from a generated gRPC service (absent from the retrieval pack — see
// DESIGN.md) to a raw framed socket, which is also a more literal match
// for the spec's own wording.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or malicious length prefix
// causing an unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// MessageType enumerates the abstract messages of §4.4.
type MessageType string

const (
	MessageNodeStateReport      MessageType = "node_state_report"
	MessageClusterStatusUpdate  MessageType = "cluster_status_update"
	MessageSetNodeEraForTesting MessageType = "set_node_era_for_testing"
	MessageNoOp                 MessageType = "no_op"
)

// envelope is the on-wire frame body: a typed message with an opaque
// JSON payload, so new message types never require a wire-format change.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian
// length followed by the JSON-encoded envelope.
func WriteFrame(w io.Writer, msgType MessageType, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(envelope{Type: msgType, Payload: payloadJSON})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(body)))

	if _, err := w.Write(lengthPrefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its message type
// and raw payload for the caller to unmarshal into a concrete type.
func ReadFrame(r io.Reader) (MessageType, json.RawMessage, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		return "", nil, err // includes io.EOF on clean disconnect
	}

	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length > maxFrameSize {
		return "", nil, fmt.Errorf("frame length %d exceeds maximum %d", length, maxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, fmt.Errorf("read frame body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Type, env.Payload, nil
}
