// Package channelingress adapts internal/portal.ChannelIngress to Google
// Cloud Pub/Sub, grounded on the teacher's internal/events.PubSubEventBus
// (topic ensure-exists, ordered publish keyed by tenant, durable cross-
// process delivery). The gateway treats the channel/webhook ingress layer
// as an external collaborator (spec §1): this package is the thin producer
// side — publishing outbound replies for delivery to whatever consumes the
// topic — and the inbound HandleInbound hook the edge's
// `/ingress/channels/:channelId/:accountKey` route delegates to.
package channelingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/portal"
)

// InboundHandler processes a raw inbound channel payload into a session_send
// (or equivalent) frame; wired by the caller, since decoding per-channel
// webhook bodies is channel-specific and out of this gateway's scope.
type InboundHandler func(ctx context.Context, channelID, accountKey string, body []byte) error

// Bus publishes outbound channel replies to Pub/Sub and delegates inbound
// webhook bodies to an injected handler.
type Bus struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	inbound InboundHandler
	logger  *log.Logger
	enabled bool
}

var _ portal.ChannelIngress = (*Bus)(nil)

// New connects to projectID/topicID, creating the topic if absent. When
// enabled is false, SendOutbound logs and returns nil (local dev/test mode).
func New(ctx context.Context, projectID, topicID string, enabled bool, inbound InboundHandler) (*Bus, error) {
	logger := log.New(log.Writer(), "[CHANNEL-INGRESS] ", log.LstdFlags)
	if !enabled {
		logger.Printf("disabled (PUBSUB_ENABLED=false) — outbound replies are no-ops")
		return &Bus{inbound: inbound, logger: logger, enabled: false}, nil
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		logger.Printf("created Pub/Sub topic %s", topicID)
	}
	topic.EnableMessageOrdering = true

	logger.Printf("connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return &Bus{client: client, topic: topic, inbound: inbound, logger: logger, enabled: true}, nil
}

// HandleInbound delegates to the injected handler for channel-specific
// webhook decoding, e.g. mapping to a session_send frame.
func (b *Bus) HandleInbound(ctx context.Context, channelID, accountKey string, body []byte) error {
	if b.inbound == nil {
		return fmt.Errorf("channelingress: no inbound handler configured")
	}
	return b.inbound(ctx, channelID, accountKey, body)
}

// SendOutbound publishes a channel_outbound frame to Pub/Sub, ordered by
// sessionId so a channel's replies arrive in session_event seq order.
func (b *Bus) SendOutbound(ctx context.Context, frame gatewaytypes.ChannelOutboundFrame) error {
	if !b.enabled {
		b.logger.Printf("outbound suppressed (disabled): session=%s seq=%d", frame.SessionID, frame.SessionEventSeq)
		return nil
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal channel_outbound frame: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result := b.topic.Publish(pubCtx, &pubsub.Message{
		Data:        payload,
		OrderingKey: frame.SessionID,
		Attributes: map[string]string{
			"organizationId": frame.OrganizationID,
			"source":         frame.Source,
		},
	})
	if _, err := result.Get(pubCtx); err != nil {
		return fmt.Errorf("publish channel_outbound: %w", err)
	}
	return nil
}

// Close releases the Pub/Sub client.
func (b *Bus) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
