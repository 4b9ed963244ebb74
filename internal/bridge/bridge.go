// Package bridge connects the in-process event bus to an MQTT broker.
//
// Topics, relative to Config.Prefix:
//
//	<prefix>/event/<event_type>   outbound, every event raised by a run
//	<prefix>/fire/<event_type>    inbound, fired on the bus (JSON object payload)
//	<prefix>/state/<a>/<b>        inbound, sets host state entity "a.b"
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rendis/scriptd/internal/streaming"
)

const (
	DefaultPrefix   = "scriptd"
	DefaultClientID = "scriptd"

	tokenTimeout   = 5 * time.Second
	connectTimeout = 10 * time.Second
)

// Config selects the broker and topic layout. An empty Broker disables the
// bridge.
type Config struct {
	Broker   string `json:"broker"` // tcp://host:1883, ssl://host:8883
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"-"`
	Prefix   string `json:"prefix"`
	QoS      byte   `json:"qos"`
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, "/")
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	return c
}

// Conn is the part of pahomqtt.Client the bridge needs.
type Conn interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
}

// EventFirer fires inbound events. Satisfied by *streaming.Bus.
type EventFirer interface {
	Fire(ctx context.Context, event string, data map[string]any) error
}

// StateSetter stores inbound state. Satisfied by *streaming.States.
type StateSetter interface {
	Set(ctx context.Context, entity string, value any) error
}

// Deps are the bus-side collaborators. States may be nil to ignore state
// topics.
type Deps struct {
	Hub    streaming.EventHub
	Events EventFirer
	States StateSetter
	Logger *slog.Logger
}

// Bridge relays between the bus and one MQTT connection.
type Bridge struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	conn   Conn
	client pahomqtt.Client // set by Connect, owned by the bridge

	stopOnce sync.Once
	stopHub  func()
	done     chan struct{}
}

// New wraps an established connection. Call Subscribe and Start to relay.
func New(conn Conn, cfg Config, deps Deps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: logger.With(slog.String("component", "mqtt")),
		conn:   conn,
	}
}

// Connect dials cfg.Broker. Inbound topics are subscribed on every
// (re)connect, so subscriptions survive broker restarts.
func Connect(cfg Config, deps Deps) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	b := New(nil, cfg, deps)

	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			if err := b.subscribe(c); err != nil {
				b.logger.Warn("subscribe after connect failed", slog.String("error", err.Error()))
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("connection lost", slog.String("error", err.Error()))
		})
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	if err := wait(client.Connect(), connectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", b.cfg.Broker, err)
	}
	b.mu.Lock()
	b.conn, b.client = client, client
	b.mu.Unlock()
	return b, nil
}

// Subscribe registers the inbound topics on the current connection.
func (b *Bridge) Subscribe() error {
	return b.subscribe(b.connection())
}

func (b *Bridge) subscribe(conn Conn) error {
	if conn == nil {
		return fmt.Errorf("mqtt: not connected")
	}
	if err := wait(conn.Subscribe(b.fireTopic("+"), b.cfg.QoS, b.onFire), tokenTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.fireTopic("+"), err)
	}
	if b.deps.States == nil {
		return nil
	}
	if err := wait(conn.Subscribe(b.cfg.Prefix+"/state/#", b.cfg.QoS, b.onState), tokenTimeout); err != nil {
		return fmt.Errorf("subscribe %s/state/#: %w", b.cfg.Prefix, err)
	}
	return nil
}

// Start forwards run events from the hub until Stop or ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	events, unsubscribe, err := b.deps.Hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		stop()
		return err
	}
	b.stopHub = func() {
		unsubscribe()
		stop()
	}
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if ev.ScriptID == "" {
					continue // not raised by a run
				}
				if err := b.publish(ev); err != nil {
					b.logger.WarnContext(ctx, "publish failed",
						slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Stop ends forwarding, and closes the connection when Connect opened it.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.stopHub != nil {
			b.stopHub()
			<-b.done
		}
		b.mu.Lock()
		client := b.client
		b.mu.Unlock()
		if client != nil {
			client.Unsubscribe(b.fireTopic("+"), b.cfg.Prefix+"/state/#").WaitTimeout(tokenTimeout)
			client.Disconnect(250)
		}
	})
}

func (b *Bridge) publish(ev streaming.StreamEvent) error {
	conn := b.connection()
	if conn == nil {
		return fmt.Errorf("mqtt: not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return wait(conn.Publish(b.cfg.Prefix+"/event/"+ev.EventType, b.cfg.QoS, false, payload), tokenTimeout)
}

func (b *Bridge) onFire(_ pahomqtt.Client, msg pahomqtt.Message) {
	event := strings.TrimPrefix(msg.Topic(), b.fireTopic(""))
	if event == "" || strings.Contains(event, "/") {
		return
	}
	var data map[string]any
	if p := msg.Payload(); len(p) > 0 {
		if err := json.Unmarshal(p, &data); err != nil {
			b.logger.Warn("fire payload is not a JSON object", slog.String("topic", msg.Topic()))
			return
		}
	}
	if err := b.deps.Events.Fire(context.Background(), event, data); err != nil {
		b.logger.Warn("fire failed", slog.String("event_type", event), slog.String("error", err.Error()))
	}
}

func (b *Bridge) onState(_ pahomqtt.Client, msg pahomqtt.Message) {
	entity := strings.ReplaceAll(strings.TrimPrefix(msg.Topic(), b.cfg.Prefix+"/state/"), "/", ".")
	if entity == "" {
		return
	}
	if err := b.deps.States.Set(context.Background(), entity, decodeValue(msg.Payload())); err != nil {
		b.logger.Warn("state update failed", slog.String("entity", entity), slog.String("error", err.Error()))
	}
}

// decodeValue reads a JSON value, falling back to the raw text ("on").
func decodeValue(p []byte) any {
	var v any
	if err := json.Unmarshal(p, &v); err == nil {
		return v
	}
	return string(p)
}

func (b *Bridge) fireTopic(event string) string {
	return b.cfg.Prefix + "/fire/" + event
}

func (b *Bridge) connection() Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func wait(t pahomqtt.Token, timeout time.Duration) error {
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("timeout after %v", timeout)
	}
	return t.Error()
}
