package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rendis/scriptd/internal/logging"
	"github.com/rendis/scriptd/internal/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ err error }

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return closed }
func (t doneToken) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type fakeConn struct {
	mu        sync.Mutex
	handlers  map[string]pahomqtt.MessageHandler
	published []message
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeConn) Publish(topic string, _ byte, _ bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, message{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeConn) Subscribe(topic string, _ byte, h pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h
	return doneToken{}
}

func (c *fakeConn) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return doneToken{}
}

func (c *fakeConn) deliver(filter, topic, payload string) {
	c.mu.Lock()
	h := c.handlers[filter]
	c.mu.Unlock()
	h(nil, message{topic: topic, payload: []byte(payload)})
}

func (c *fakeConn) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.published...)
}

func setup(t *testing.T) (*Bridge, *fakeConn, *streaming.Bus, *streaming.States) {
	t.Helper()
	hub := streaming.NewMemoryHub()
	bus := streaming.NewBus(hub)
	states := streaming.NewStates(bus)
	conn := newFakeConn()
	b := New(conn, Config{Prefix: "home/"}, Deps{Hub: hub, Events: bus, States: states})
	require.NoError(t, b.Subscribe())
	return b, conn, bus, states
}

func TestSubscribe_Topics(t *testing.T) {
	_, conn, _, _ := setup(t)
	assert.Contains(t, conn.handlers, "home/fire/+")
	assert.Contains(t, conn.handlers, "home/state/#")
}

func TestInboundFire(t *testing.T) {
	_, conn, bus, _ := setup(t)
	ctx := context.Background()
	events, cancel, err := bus.Hub().Subscribe(ctx, streaming.EventFilter{EventTypes: []string{"doorbell"}})
	require.NoError(t, err)
	defer cancel()

	conn.deliver("home/fire/+", "home/fire/doorbell", `{"button":"front"}`)
	conn.deliver("home/fire/+", "home/fire/doorbell", `not json`)

	select {
	case ev := <-events:
		assert.Equal(t, map[string]any{"button": "front"}, ev.Data())
		assert.Empty(t, ev.ScriptID)
	case <-time.After(time.Second):
		t.Fatal("event not fired")
	}
	select {
	case ev := <-events:
		t.Fatalf("invalid payload was fired: %v", ev)
	default:
	}
}

func TestInboundState(t *testing.T) {
	_, conn, _, states := setup(t)

	conn.deliver("home/state/#", "home/state/sensor/temp", `21.5`)
	conn.deliver("home/state/#", "home/state/light/porch", `on`)

	v, ok := states.Get("sensor.temp")
	require.True(t, ok)
	assert.Equal(t, 21.5, v)
	v, _ = states.Get("light.porch")
	assert.Equal(t, "on", v)
}

func TestOutbound_OnlyRunEvents(t *testing.T) {
	b, conn, bus, _ := setup(t)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	ctx := logging.WithRunID(logging.WithScriptID(context.Background(), "porch"), "r1")
	require.NoError(t, bus.Fire(context.Background(), "from_host", nil))
	require.NoError(t, bus.Fire(ctx, "lights_on", map[string]any{"level": 3}))

	require.Eventually(t, func() bool { return len(conn.sent()) == 1 }, time.Second, 5*time.Millisecond)
	msg := conn.sent()[0]
	assert.Equal(t, "home/event/lights_on", msg.topic)

	var ev streaming.StreamEvent
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	assert.Equal(t, "porch", ev.ScriptID)
	assert.Equal(t, "r1", ev.RunID)
	assert.Equal(t, map[string]any{"level": float64(3)}, ev.Payload)
}

func TestStop_EndsForwarding(t *testing.T) {
	b, conn, bus, _ := setup(t)
	require.NoError(t, b.Start(context.Background()))
	b.Stop()
	b.Stop()

	ctx := logging.WithScriptID(context.Background(), "porch")
	require.NoError(t, bus.Fire(ctx, "late", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.sent())
}

func TestConnect_RequiresBroker(t *testing.T) {
	_, err := Connect(Config{}, Deps{})
	assert.Error(t, err)
}

func TestDecodeValue(t *testing.T) {
	assert.Equal(t, true, decodeValue([]byte("true")))
	assert.Equal(t, map[string]any{"a": "b"}, decodeValue([]byte(`{"a":"b"}`)))
	assert.Equal(t, "plain text", decodeValue([]byte("plain text")))
}
