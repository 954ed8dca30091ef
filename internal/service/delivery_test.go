package service_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/conn-runtime/internal/adapter/pubsub"
	"github.com/webitel/conn-runtime/internal/conn"
	"github.com/webitel/conn-runtime/internal/handler"
	"github.com/webitel/conn-runtime/internal/provider"
	"github.com/webitel/conn-runtime/internal/provider/providertest"
	"github.com/webitel/conn-runtime/internal/service"
)

func TestParseCtrl(t *testing.T) {
	m, err := service.ParseCtrl([]byte(`{"type":"announce","sn":3,"len":128}`))
	require.NoError(t, err)
	assert.Equal(t, service.CtrlAnnounce, m.Type)
	assert.Equal(t, uint32(3), m.Seq)
	assert.Equal(t, 128, m.Len)

	_, err = service.ParseCtrl([]byte(`{"type":"announce","sn":1,"len":0}`))
	assert.Error(t, err)
	_, err = service.ParseCtrl([]byte(`{"type":"nope"}`))
	assert.Error(t, err)
	_, err = service.ParseCtrl([]byte(`not json`))
	assert.Error(t, err)
}

// ackCollector is the client-side handler of the test.
type ackCollector struct {
	conn.NopHandler
	acks []service.Ctrl
}

func (a *ackCollector) OnIOMsg(c *conn.Conn, buf []byte, n int) {
	if m, err := service.ParseCtrl(buf[:n]); err == nil {
		a.acks = append(a.acks, m)
	}
}

func TestAnnouncedTransferDelivery(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fabric := providertest.NewFabric()

	newWorker := func() provider.Worker {
		pctx, err := fabric.ContextInit(provider.ContextParams{
			Features:    provider.FeatureTag | provider.FeatureStream,
			RequestInit: conn.RequestInit,
		})
		require.NoError(t, err)
		w, err := pctx.WorkerCreate()
		require.NoError(t, err)
		return w
	}

	disp := pubsub.NewDispatcher(log)
	defer disp.Close()
	dataMsgs, err := disp.Subscriber().Subscribe(context.Background(), pubsub.TopicData)
	require.NoError(t, err)

	srvHooks := handler.NewDelivery(log, service.NewDeliveryService(log, disp))
	server := conn.New(newWorker(), srvHooks, conn.Config{}, log)
	require.NoError(t, server.Listen("srv"))

	cliHooks := &ackCollector{}
	client := conn.New(newWorker(), cliHooks, conn.Config{}, log)

	tick := func(n int) {
		for i := 0; i < n; i++ {
			server.Progress()
			client.Progress()
		}
	}

	var established *conn.Status
	cc := client.Connect("srv", func(st conn.Status) { established = &st })
	tick(5)
	require.NotNil(t, established)
	require.Equal(t, conn.OK, *established)

	// Announce then push: the server posts the receive, publishes the
	// payload, and acknowledges.
	payload := []byte("announced payload")
	require.True(t, cc.SendIOMsg(service.Ctrl{
		Type: service.CtrlAnnounce, Seq: 1, Len: len(payload),
	}.Marshal(), func(conn.Status, int) {}))
	require.True(t, cc.SendData(payload, 1, func(conn.Status, int) {}))
	tick(6)

	select {
	case m := <-dataMsgs:
		var got pubsub.Inbound
		require.NoError(t, json.Unmarshal(m.Payload, &got))
		assert.Equal(t, payload, got.Payload)
		assert.Equal(t, uint32(1), got.Seq)
		m.Ack()
	case <-time.After(time.Second):
		t.Fatal("announced payload never published")
	}

	require.Len(t, cliHooks.acks, 1)
	assert.Equal(t, service.CtrlAck, cliHooks.acks[0].Type)
	assert.Equal(t, uint32(1), cliHooks.acks[0].Seq)
}
