package pubsub_test

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
)

func TestDispatcherRoundTrip(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := pubsub.NewDispatcher(log)
	defer d.Close()

	msgs, err := d.Subscriber().Subscribe(context.Background(), pubsub.TopicControl)
	require.NoError(t, err)

	sent := pubsub.Inbound{ConnID: 3, RemoteID: 9, Seq: 1, Payload: []byte("ping")}
	require.NoError(t, d.PublishControl(context.Background(), sent))

	select {
	case m := <-msgs:
		var got pubsub.Inbound
		require.NoError(t, json.Unmarshal(m.Payload, &got))
		assert.Equal(t, sent.ConnID, got.ConnID)
		assert.Equal(t, sent.RemoteID, got.RemoteID)
		assert.Equal(t, []byte("ping"), got.Payload)
		m.Ack()
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}
