package mqttadapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"power-desk/internal/observability/metrics"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMS   = 250
)

// Message is an inbound frame with the topic prefix removed.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// PublishOptions controls delivery of an outbound frame.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// Options configures the broker session.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Prefix         string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Client is a paho backed bus adapter. Inbound frames under the prefix are
// fanned out to listeners in receipt order.
type Client struct {
	opts   Options
	client mqtt.Client
	logger *log.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []listener
	nextID    uint64
}

type listener struct {
	id uint64
	fn func(Message)
}

// New constructs a bus adapter. Connect must be called before frames flow.
func New(opts Options, logger *log.Logger) (*Client, error) {
	if strings.TrimSpace(opts.BrokerURL) == "" {
		return nil, errors.New("mqttadapter: empty broker url")
	}
	if opts.ClientID == "" {
		opts.ClientID = "power-desk-" + uuid.NewString()
	}
	c := newClient(opts, logger)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			c.logger.Printf("mqttadapter: reconnecting broker=%s", opts.BrokerURL)
			metrics.IncMQTTReconnect()
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	c.client = mqtt.NewClient(clientOpts)
	return c, nil
}

func newClient(opts Options, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &Client{
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Prefix returns the configured topic prefix.
func (c *Client) Prefix() string {
	if c == nil {
		return ""
	}
	return c.opts.Prefix
}

// Connect opens the broker session. Reconnects after this are handled by
// paho and resubscribe through the on-connect handler.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("mqttadapter: nil client")
	}
	if err := waitToken(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("mqttadapter: connect: %w", err)
	}
	return nil
}

// Subscribe registers fn for every later inbound frame. The returned func
// removes the listener.
func (c *Client) Subscribe(fn func(Message)) func() {
	if c == nil || fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish sends payload to prefix+topic and waits for the broker to
// acknowledge it according to opts.QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	if c == nil || c.client == nil {
		return errors.New("mqttadapter: nil client")
	}
	if topic == "" {
		return errors.New("mqttadapter: empty topic")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	full := c.opts.Prefix + topic
	if err := waitToken(ctx, c.client.Publish(full, opts.QoS, opts.Retain, payload)); err != nil {
		return fmt.Errorf("mqttadapter: publish %s: %w", full, err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(disconnectQuiesceMS)
	metrics.SetMQTTConnected(false)
}

func (c *Client) onConnect(client mqtt.Client) {
	metrics.SetMQTTConnected(true)
	filter := c.opts.Prefix + "#"
	token := client.Subscribe(filter, 0, c.handleMessage)
	go func() {
		if !token.WaitTimeout(c.opts.ConnectTimeout) {
			c.logger.Printf("mqttadapter: subscribe timeout filter=%s", filter)
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Printf("mqttadapter: subscribe error filter=%s: %v", filter, err)
			return
		}
		c.logger.Printf("mqttadapter: subscribed filter=%s", filter)
	}()
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	metrics.SetMQTTConnected(false)
	c.logger.Printf("mqttadapter: connection lost: %v", err)
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	if c.opts.Prefix != "" {
		if !strings.HasPrefix(topic, c.opts.Prefix) {
			return
		}
		topic = topic[len(c.opts.Prefix):]
	}
	// Empty payloads stay non-nil so they encode as "" rather than null.
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	out := Message{Topic: topic, Payload: payload, ReceivedAt: c.now()}

	c.mu.RLock()
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		l.fn(out)
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
