package edge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

type recordingChannels struct {
	mu       sync.Mutex
	outbound []gatewaytypes.ChannelOutboundFrame
}

func (c *recordingChannels) HandleInbound(context.Context, string, string, []byte) error {
	return nil
}

func (c *recordingChannels) SendOutbound(_ context.Context, frame gatewaytypes.ChannelOutboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = append(c.outbound, frame)
	return nil
}

func TestConsumerRelaysChannelOutbound(t *testing.T) {
	channels := &recordingChannels{}
	c := &ToEdgeConsumer{EdgeID: "edge-1", Channels: channels}

	payload, err := json.Marshal(map[string]any{
		"type":            gatewaytypes.FrameChannelOutbound,
		"organizationId":  "org-1",
		"sessionId":       "sess-1",
		"sessionEventSeq": 7,
		"source":          "slack",
		"text":            "routed reply",
	})
	require.NoError(t, err)

	c.handle(bus.Message{ID: "1-0", Data: payload})

	require.Len(t, channels.outbound, 1)
	frame := channels.outbound[0]
	assert.Equal(t, "org-1", frame.OrganizationID)
	assert.Equal(t, "sess-1", frame.SessionID)
	assert.Equal(t, int64(7), frame.SessionEventSeq)
	assert.Equal(t, "slack", frame.Source)
	assert.Equal(t, "routed reply", frame.Text)
}

func TestConsumerDropsChannelOutboundWithoutIngress(t *testing.T) {
	c := &ToEdgeConsumer{EdgeID: "edge-1"}

	payload, err := json.Marshal(map[string]any{
		"type":      gatewaytypes.FrameChannelOutbound,
		"sessionId": "sess-1",
	})
	require.NoError(t, err)

	// No channel ingress configured: the frame is dropped, not a panic.
	c.handle(bus.Message{ID: "1-0", Data: payload})
}
