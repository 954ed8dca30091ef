package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/conn-runtime/internal/adapter/pubsub"
	"github.com/webitel/conn-runtime/internal/conn"
)

// Deliverer is the contract the runtime hooks call into: it owns the
// announce/receive/ack choreography and fans received traffic out through
// the dispatcher.
type Deliverer interface {
	HandleControl(c *conn.Conn, payload []byte)
	ConnectionLost(c *conn.Conn)
}

type DeliveryService struct {
	log  *slog.Logger
	disp pubsub.Dispatcher
}

func NewDeliveryService(log *slog.Logger, disp pubsub.Dispatcher) *DeliveryService {
	return &DeliveryService{log: log, disp: disp}
}

// HandleControl processes one in-band message. An announce posts the
// matching data receive; the payload is published and acknowledged once it
// lands. The control message itself is published either way.
func (s *DeliveryService) HandleControl(c *conn.Conn, payload []byte) {
	ev := pubsub.Inbound{
		ConnID:     c.ID(),
		RemoteID:   c.RemoteID(),
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now(),
	}
	if err := s.disp.PublishControl(context.Background(), ev); err != nil {
		s.log.Warn("control publish failed", "conn", c.String(), "error", err)
	}

	m, err := ParseCtrl(payload)
	if err != nil {
		s.log.Warn("dropping malformed control message", "conn", c.String(), "error", err)
		return
	}
	switch m.Type {
	case CtrlAnnounce:
		s.receiveAnnounced(c, m)
	case CtrlAck:
		s.log.Debug("transfer acknowledged", "conn", c.String(), "sn", m.Seq)
	}
}

func (s *DeliveryService) receiveAnnounced(c *conn.Conn, m Ctrl) {
	buf := make([]byte, m.Len)
	ok := c.RecvData(buf, m.Seq, func(st conn.Status, n int) {
		if st != conn.OK {
			s.log.Warn("announced transfer failed", "conn", c.String(), "sn", m.Seq, "status", st.String())
			return
		}
		ev := pubsub.Inbound{
			ConnID:     c.ID(),
			RemoteID:   c.RemoteID(),
			Seq:        m.Seq,
			Payload:    buf[:n],
			ReceivedAt: time.Now(),
		}
		if err := s.disp.PublishData(context.Background(), ev); err != nil {
			s.log.Warn("data publish failed", "conn", c.String(), "error", err)
		}
		c.SendIOMsg(Ctrl{Type: CtrlAck, Seq: m.Seq}.Marshal(), func(conn.Status, int) {})
	})
	if !ok {
		s.log.Warn("receive rejected, connection unusable", "conn", c.String(), "sn", m.Seq)
	}
}

// ConnectionLost reaps a connection whose peer failed: its resources drain
// through the regular disconnect path.
func (s *DeliveryService) ConnectionLost(c *conn.Conn) {
	s.log.Warn("peer connection lost", "conn", c.String(), "status", c.Status().String())
	c.Disconnect(func(st conn.Status) {
		s.log.Info("failed connection reaped", "conn", c.String(), "status", st.String())
	})
}
