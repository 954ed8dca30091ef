// Package handler adapts the runtime's connection hooks onto the delivery
// service.
package handler

import (
	"log/slog"

	"github.com/webitel/conn-runtime/internal/conn"
	"github.com/webitel/conn-runtime/internal/service"
)

// Delivery implements conn.Handler for the server role.
type Delivery struct {
	log       *slog.Logger
	deliverer service.Deliverer
}

func NewDelivery(log *slog.Logger, deliverer service.Deliverer) *Delivery {
	return &Delivery{log: log, deliverer: deliverer}
}

func (h *Delivery) OnAccepted(c *conn.Conn) {
	h.log.Info("connection accepted", "conn", c.String(), "remote_id", c.RemoteID())
}

func (h *Delivery) OnIOMsg(c *conn.Conn, buf []byte, n int) {
	h.deliverer.HandleControl(c, buf[:n])
}

func (h *Delivery) OnError(c *conn.Conn) {
	h.deliverer.ConnectionLost(c)
}
