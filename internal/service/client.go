package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/webitel/conn-runtime/internal/conn"
	"golang.org/x/sync/errgroup"
)

// EngineFactory builds one engine with its own provider worker. Each
// client session drives its engine from a dedicated goroutine, keeping the
// one-thread-per-worker discipline.
type EngineFactory func(h conn.Handler) (*conn.Engine, func(), error)

// ClientConfig tunes the demo client.
type ClientConfig struct {
	Target           string
	Sessions         int
	Messages         int
	PayloadSize      int
	ConnectTimeout   time.Duration
	ProgressInterval time.Duration
}

// Client connects to a server, announces and pushes payloads, and waits
// for acknowledgements. Connection attempts run through a circuit breaker
// so a dead target trips fast instead of hammering the dial path.
type Client struct {
	log     *slog.Logger
	cfg     ClientConfig
	engines EngineFactory
	breaker *gobreaker.CircuitBreaker
}

func NewClient(log *slog.Logger, cfg ClientConfig, engines EngineFactory) *Client {
	return &Client{
		log:     log,
		cfg:     cfg,
		engines: engines,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "connect",
			Timeout: 5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("connect breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Run executes every configured session concurrently and waits for all of
// them.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Sessions; i++ {
		g.Go(func() error { return c.runSession(ctx, i) })
	}
	return g.Wait()
}

// session tracks acknowledgements and failures for one connection.
type session struct {
	conn.NopHandler
	log    *slog.Logger
	acked  int
	failed bool
}

func (s *session) OnIOMsg(c *conn.Conn, buf []byte, n int) {
	m, err := ParseCtrl(buf[:n])
	if err != nil {
		s.log.Warn("dropping malformed control message", "conn", c.String(), "error", err)
		return
	}
	if m.Type == CtrlAck {
		s.acked++
	}
}

func (s *session) OnError(c *conn.Conn) {
	s.log.Warn("connection failed", "conn", c.String(), "status", c.Status().String())
	s.failed = true
}

func (c *Client) runSession(ctx context.Context, idx int) error {
	h := &session{log: c.log}
	eng, teardown, err := c.engines(h)
	if err != nil {
		return fmt.Errorf("session %d: %w", idx, err)
	}
	defer teardown()

	tick := func() {
		eng.Progress()
		time.Sleep(c.cfg.ProgressInterval)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.connect(ctx, eng, tick)
	})
	if err != nil {
		return fmt.Errorf("session %d: %w", idx, err)
	}
	cc := res.(*conn.Conn)
	c.log.Info("session established", "session", idx, "conn", cc.String(), "remote_id", cc.RemoteID())

	payload := bytes.Repeat([]byte{0xa5}, c.cfg.PayloadSize)
	for sn := uint32(1); sn <= uint32(c.cfg.Messages); sn++ {
		if !cc.SendIOMsg(Ctrl{Type: CtrlAnnounce, Seq: sn, Len: len(payload)}.Marshal(), func(conn.Status, int) {}) {
			return fmt.Errorf("session %d: announce %d rejected", idx, sn)
		}
		if !cc.SendData(payload, sn, func(st conn.Status, _ int) {
			if st != conn.OK {
				c.log.Warn("send failed", "session", idx, "sn", sn, "status", st.String())
			}
		}) {
			return fmt.Errorf("session %d: send %d rejected", idx, sn)
		}
	}

	for h.acked < c.cfg.Messages && !h.failed && ctx.Err() == nil {
		tick()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.failed {
		return fmt.Errorf("session %d: connection lost after %d/%d acks", idx, h.acked, c.cfg.Messages)
	}
	c.log.Info("all transfers acknowledged", "session", idx, "messages", c.cfg.Messages)

	done := false
	cc.Disconnect(func(st conn.Status) { done = true })
	for !done {
		tick()
	}
	return nil
}

// connect starts one establishment attempt and drives progress until the
// callback fires or the timeout passes.
func (c *Client) connect(ctx context.Context, eng *conn.Engine, tick func()) (*conn.Conn, error) {
	var st *conn.Status
	cc := eng.Connect(c.cfg.Target, func(s conn.Status) { st = &s })
	deadline := time.Now().Add(c.cfg.ConnectTimeout + time.Second)
	for st == nil && time.Now().Before(deadline) && ctx.Err() == nil {
		tick()
	}
	switch {
	case st == nil:
		return nil, fmt.Errorf("connect %s: no establishment within %v", c.cfg.Target, c.cfg.ConnectTimeout)
	case *st != conn.OK:
		return nil, fmt.Errorf("connect %s: %s", c.cfg.Target, st.String())
	}
	return cc, nil
}
