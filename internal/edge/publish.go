package edge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

const toBrainStream = "gateway:bus:to_brain"

// ToBrainStream is the append/ensure-group/read-group name a brain process
// consumes with group "brain" (spec §4.1).
const ToBrainStream = toBrainStream

// BusBrainPublisher implements BrainPublisher by tagging a frame with its
// discriminator and appending it to the shared to-brain stream (spec §6.1).
type BusBrainPublisher struct {
	Bus bus.Stream
}

// PublishToBrain implements BrainPublisher.
func (p *BusBrainPublisher) PublishToBrain(frame interface{}) error {
	tagged, frameType, err := tagFrame(frame)
	if err != nil {
		return err
	}
	data, err := json.Marshal(tagged)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	return p.Bus.Append(context.Background(), toBrainStream, data)
}

// tagFrame resolves the `type` discriminator for a known to-brain frame.
// Frames travel as flat JSON objects (field sets don't collide across the
// five to-brain frame shapes), so a consumer only looks at the fields its
// Type implies.
func tagFrame(frame interface{}) (interface{}, string, error) {
	switch f := frame.(type) {
	case gatewaytypes.WorkflowDispatchFrame:
		return withType(gatewaytypes.FrameWorkflowDispatch, f), gatewaytypes.FrameWorkflowDispatch, nil
	case gatewaytypes.SessionSendFrame:
		return withType(gatewaytypes.FrameSessionSend, f), gatewaytypes.FrameSessionSend, nil
	case gatewaytypes.SessionResetFrame:
		return withType(gatewaytypes.FrameSessionReset, f), gatewaytypes.FrameSessionReset, nil
	case gatewaytypes.SessionCancelFrame:
		return withType(gatewaytypes.FrameSessionCancel, f), gatewaytypes.FrameSessionCancel, nil
	case gatewaytypes.ExecutorEventFrame:
		return withType(gatewaytypes.FrameExecutorEvent, f), gatewaytypes.FrameExecutorEvent, nil
	default:
		return nil, "", fmt.Errorf("edge: unknown to-brain frame type %T", frame)
	}
}

// withType flattens a frame's JSON alongside an injected "type" field.
func withType(frameType string, frame interface{}) map[string]interface{} {
	raw, _ := json.Marshal(frame)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = map[string]interface{}{}
	}
	out["type"] = frameType
	return out
}

// ToEdgeStream is the per-edge brain→edge command stream name (spec §4.1).
func ToEdgeStream(edgeID string) string {
	return "gateway:bus:to_edge:" + edgeID
}
