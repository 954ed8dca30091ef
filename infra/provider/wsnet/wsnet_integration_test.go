package wsnet_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/conn-runtime/infra/provider/wsnet"
	"github.com/webitel/conn-runtime/internal/conn"
	"github.com/webitel/conn-runtime/internal/provider"
)

type hooks struct {
	conn.NopHandler
	accepted []*conn.Conn
	iomsgs   [][]byte
	errors   []*conn.Conn
}

func (h *hooks) OnAccepted(c *conn.Conn) { h.accepted = append(h.accepted, c) }

func (h *hooks) OnIOMsg(c *conn.Conn, buf []byte, n int) {
	h.iomsgs = append(h.iomsgs, append([]byte(nil), buf[:n]...))
}

func (h *hooks) OnError(c *conn.Conn) { h.errors = append(h.errors, c) }

func newEngine(t *testing.T, h conn.Handler) *conn.Engine {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pctx, err := wsnet.NewContext(provider.ContextParams{
		Features:    provider.FeatureTag | provider.FeatureStream,
		RequestInit: conn.RequestInit,
	}, wsnet.WithLogger(log))
	require.NoError(t, err)
	w, err := pctx.WorkerCreate()
	require.NoError(t, err)
	t.Cleanup(w.Destroy)
	return conn.New(w, h, conn.Config{ConnectTimeout: 5 * time.Second}, log)
}

// progressUntil ticks every engine until cond holds or the deadline hits.
func progressUntil(t *testing.T, engines []*conn.Engine, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached within %v", timeout)
		for _, e := range engines {
			e.Progress()
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngineOverWebsocket(t *testing.T) {
	srvH, cliH := &hooks{}, &hooks{}
	server := newEngine(t, srvH)
	client := newEngine(t, cliH)
	engines := []*conn.Engine{server, client}

	require.NoError(t, server.Listen("127.0.0.1:0"))
	addr := server.ListenerAddr()
	require.NotEmpty(t, addr)

	var cliStatus *conn.Status
	cli := client.Connect(addr, func(st conn.Status) { cliStatus = &st })

	progressUntil(t, engines, 5*time.Second, func() bool {
		return cliStatus != nil && len(srvH.accepted) == 1
	})
	require.Equal(t, conn.OK, *cliStatus)
	srv := srvH.accepted[0]
	assert.Equal(t, srv.ID(), cli.RemoteID())
	assert.Equal(t, cli.ID(), srv.RemoteID())

	// Small payload: one data message client -> server.
	recvBuf := make([]byte, 64)
	var recvN int
	require.True(t, srv.RecvData(recvBuf, 1, func(st conn.Status, n int) {
		require.Equal(t, conn.OK, st)
		recvN = n
	}))
	var sendDone bool
	require.True(t, cli.SendData([]byte("over the wire"), 1, func(st conn.Status, _ int) {
		require.Equal(t, conn.OK, st)
		sendDone = true
	}))
	progressUntil(t, engines, 5*time.Second, func() bool { return sendDone && recvN > 0 })
	assert.Equal(t, "over the wire", string(recvBuf[:recvN]))

	// Large payload exercises the asynchronous send completion.
	payload := make([]byte, 1<<20)
	payload[0], payload[len(payload)-1] = 0x42, 0x24
	bigBuf := make([]byte, len(payload))
	var bigN int
	require.True(t, cli.RecvData(bigBuf, 2, func(st conn.Status, n int) {
		require.Equal(t, conn.OK, st)
		bigN = n
	}))
	require.True(t, srv.SendData(payload, 2, func(st conn.Status, _ int) {
		require.Equal(t, conn.OK, st)
	}))
	progressUntil(t, engines, 10*time.Second, func() bool { return bigN == len(payload) })
	assert.Equal(t, byte(0x42), bigBuf[0])
	assert.Equal(t, byte(0x24), bigBuf[len(bigBuf)-1])

	// Control channel.
	require.True(t, cli.SendIOMsg([]byte(`{"op":"stat"}`), func(conn.Status, int) {}))
	progressUntil(t, engines, 5*time.Second, func() bool { return len(srvH.iomsgs) == 1 })
	assert.JSONEq(t, `{"op":"stat"}`, string(srvH.iomsgs[0]))

	// Client-side disconnect; the server observes the peer going away.
	var discStatus *conn.Status
	cli.Disconnect(func(st conn.Status) { discStatus = &st })
	progressUntil(t, engines, 5*time.Second, func() bool {
		return discStatus != nil && len(srvH.errors) == 1
	})
	assert.Equal(t, conn.OK, *discStatus)
	assert.Same(t, srv, srvH.errors[0])
	assert.Equal(t, 0, client.Stats().Conns)
}

func TestConnectNoServer(t *testing.T) {
	cliH := &hooks{}
	client := newEngine(t, cliH)

	var got *conn.Status
	client.Connect("127.0.0.1:1", func(st conn.Status) { got = &st })
	progressUntil(t, []*conn.Engine{client}, 10*time.Second, func() bool { return got != nil })
	assert.True(t, got.IsError())
	progressUntil(t, []*conn.Engine{client}, 5*time.Second, func() bool {
		return client.Stats().Conns == 0
	})
}
