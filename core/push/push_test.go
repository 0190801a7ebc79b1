package push_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/core/push/pushtest"
)

func TestEncodeDecode(t *testing.T) {
	b, err := push.Encode(push.EventUpdateStatus, map[string]string{"orderId": "o1", "status": "Preparing"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"update-status","data":{"orderId":"o1","status":"Preparing"}}`, string(b))

	f, err := push.Decode([]byte(`{"event":"identity","data":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, push.EventIdentity, f.Event)
	assert.Equal(t, `"u1"`, string(f.Data))

	_, err = push.Encode("x", func() {})
	assert.Error(t, err)
}

func TestTransport(t *testing.T) {
	assert.Equal(t, "ws", push.Transport("ws:123"))
	assert.Equal(t, "mqtt", push.Transport("mqtt:c1"))
	assert.Equal(t, "", push.Transport("plain"))
}

func TestMuxRoutesByPrefix(t *testing.T) {
	ws := &pushtest.Recorder{}
	mq := &pushtest.Recorder{}
	m := push.NewMux()
	m.Handle("ws", ws)
	m.Handle("mqtt", mq)

	require.NoError(t, m.Unicast("ws:a", push.EventNewAssignment, 1))
	require.NoError(t, m.Unicast("mqtt:c1", push.EventNewAssignment, 2))
	require.NoError(t, m.Unicast("sse:x", push.EventNewAssignment, 3))
	require.NoError(t, m.Broadcast(push.EventNewOrder, 4))
	require.NoError(t, m.Room("o1", push.EventSendMessage, 5))

	assert.Equal(t, []string{"ws:a"}, ws.Targets(push.EventNewAssignment))
	assert.Equal(t, []string{"mqtt:c1"}, mq.Targets(push.EventNewAssignment))
	assert.Len(t, ws.Event(push.EventNewOrder), 1)
	assert.Len(t, mq.Event(push.EventNewOrder), 1)
	assert.Equal(t, []string{"o1"}, mq.Targets(push.EventSendMessage))
}
