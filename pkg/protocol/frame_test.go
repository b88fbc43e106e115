package protocol_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/protocol"
)

func TestWriteFrameThenReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer

	type payload struct {
		NodeUUID string `json:"node_uuid"`
	}
	require.NoError(t, protocol.WriteFrame(&buf, protocol.MessageNodeStateReport, payload{NodeUUID: "node-1"}))

	msgType, raw, err := protocol.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageNodeStateReport, msgType)

	var got payload
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "node-1", got.NodeUUID)
}

func TestReadFrameMultipleMessagesInOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&buf, protocol.MessageNoOp, struct{}{}))
	require.NoError(t, protocol.WriteFrame(&buf, protocol.MessageClusterStatusUpdate, struct{}{}))

	first, _, err := protocol.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageNoOp, first)

	second, _, err := protocol.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageClusterStatusUpdate, second)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, _, err := protocol.ReadFrame(&buf)
	assert.Error(t, err)
}
