package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	// TopicData carries payloads received over the data channel.
	TopicData = "conn.data.received"
	// TopicControl carries in-band control messages.
	TopicControl = "conn.control.received"
)

// Inbound is the event published for every message the runtime delivered.
type Inbound struct {
	ConnID     uint32    `json:"conn_id"`
	RemoteID   uint32    `json:"remote_conn_id"`
	Seq        uint32    `json:"sn"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Dispatcher defines the high-level contract for fanning received traffic
// out to in-process consumers. Handlers stay agnostic of the transport.
type Dispatcher interface {
	PublishData(ctx context.Context, ev Inbound) error
	PublishControl(ctx context.Context, ev Inbound) error
	Subscriber() message.Subscriber
	Close() error
}

type dispatcher struct {
	ps *gochannel.GoChannel
}

// NewDispatcher builds an in-process dispatcher over a Go-channel Pub/Sub.
func NewDispatcher(log *slog.Logger) Dispatcher {
	return &dispatcher{
		ps: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NewSlogLogger(log)),
	}
}

func (d *dispatcher) PublishData(ctx context.Context, ev Inbound) error {
	return d.publish(ctx, TopicData, ev)
}

func (d *dispatcher) PublishControl(ctx context.Context, ev Inbound) error {
	return d.publish(ctx, TopicControl, ev)
}

func (d *dispatcher) publish(ctx context.Context, topic string, ev Inbound) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal failure: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := d.ps.Publish(topic, msg); err != nil {
		return fmt.Errorf("dispatcher: publish to %s: %w", topic, err)
	}
	return nil
}

func (d *dispatcher) Subscriber() message.Subscriber { return d.ps }

func (d *dispatcher) Close() error { return d.ps.Close() }
