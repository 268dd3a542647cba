package stabilize

import (
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockOp names a MockClient operation that can be made to fail
type MockOp int

const (
	OpConnect MockOp = iota
	OpPublish
	OpSubscribe
)

// doneToken is a completed mqtt.Token carrying err
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockMessage is one publish recorded by MockClient
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client for service tests. Jobs are
// injected with SimulateMessage and publishes inspected with Messages.
type MockClient struct {
	mu        sync.RWMutex
	connected bool
	faults    map[MockOp]error
	routes    map[string]mqtt.MessageHandler
	log       []MockMessage
	onConnect mqtt.OnConnectHandler
}

// NewMockClient creates a disconnected mock client
func NewMockClient() *MockClient {
	return &MockClient{
		faults: make(map[MockOp]error),
		routes: make(map[string]mqtt.MessageHandler),
	}
}

// SetConnected flips the connection flag without running on-connect
func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// Fail makes op return err until cleared with a nil err
func (c *MockClient) Fail(op MockOp, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.faults, op)
		return
	}
	c.faults[op] = err
}

// SetOnConnect registers the handler a successful Connect invokes
func (c *MockClient) SetOnConnect(h mqtt.OnConnectHandler) {
	c.mu.Lock()
	c.onConnect = h
	c.mu.Unlock()
}

// Messages returns the publishes under a topic prefix, oldest first
func (c *MockClient) Messages(prefix string) []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []MockMessage
	for _, m := range c.log {
		if strings.HasPrefix(m.Topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Subscriptions lists subscribed topics in order
func (c *MockClient) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.routes))
	for t := range c.routes {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// SimulateMessage hands payload to the route for topic and reports
// whether one existed
func (c *MockClient) SimulateMessage(topic string, payload []byte) bool {
	c.mu.RLock()
	handler := c.routes[topic]
	c.mu.RUnlock()
	if handler == nil {
		return false
	}
	handler(c, inboundMessage{topic: topic, payload: payload})
	return true
}

// gate returns the error an operation should fail with, if any
func (c *MockClient) gate(op MockOp) error {
	if op != OpConnect && !c.connected {
		return mqtt.ErrNotConnected
	}
	return c.faults[op]
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

// Connect runs the on-connect handler synchronously on success
func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.gate(OpConnect)
	c.connected = c.connected || err == nil
	handler := c.onConnect
	c.mu.Unlock()

	if err == nil && handler != nil {
		handler(c)
	}
	return doneToken{err}
}

func (c *MockClient) Disconnect(uint) { c.SetConnected(false) }

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gate(OpPublish); err != nil {
		return doneToken{err}
	}
	msg := MockMessage{Topic: topic, QoS: qos, Retain: retained}
	switch v := payload.(type) {
	case []byte:
		msg.Payload = v
	case string:
		msg.Payload = []byte(v)
	}
	c.log = append(c.log, msg)
	return doneToken{}
}

func (c *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gate(OpSubscribe); err != nil {
		return doneToken{err}
	}
	for topic := range filters {
		c.routes[topic] = callback
	}
	return doneToken{}
}

func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.routes, topic)
	}
	c.mu.Unlock()
	return doneToken{}
}

func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	c.routes[topic] = callback
	c.mu.Unlock()
}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// inboundMessage is a job delivered by SimulateMessage
type inboundMessage struct {
	topic   string
	payload []byte
}

func (m inboundMessage) Duplicate() bool   { return false }
func (m inboundMessage) Qos() byte         { return 0 }
func (m inboundMessage) Retained() bool    { return false }
func (m inboundMessage) Topic() string     { return m.topic }
func (m inboundMessage) MessageID() uint16 { return 0 }
func (m inboundMessage) Payload() []byte   { return m.payload }
func (m inboundMessage) Ack()              {}
