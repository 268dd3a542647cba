package stabilize

import (
	"context"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// JobHandler receives frame jobs from the job topic. err is set when the
// payload could not be parsed.
type JobHandler func(job *FrameJob, err error)

// MQTTClient subscribes to the job topic and exposes the connection for
// the result publisher
type MQTTClient struct {
	client      mqtt.Client
	config      MQTTConfig
	jobHandler  JobHandler
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from cfg after LoadConfig applied the
// MQTT_* environment. An empty broker disables MQTT and returns nil.
func NewMQTTClient(cfg MQTTConfig, handler JobHandler) *MQTTClient {
	if cfg.Broker == "" {
		log.Println("[MQTT] Disabled: no broker configured")
		return nil
	}

	c := &MQTTClient{config: cfg, jobHandler: handler}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tudolapse"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Println("[MQTT] Reconnecting...")
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// NewMQTTClientFrom wires a prebuilt client such as MockClient
func NewMQTTClientFrom(client mqtt.Client, cfg MQTTConfig, handler JobHandler) *MQTTClient {
	c := &MQTTClient{client: client, config: cfg, jobHandler: handler}
	if mock, ok := client.(*MockClient); ok {
		mock.SetOnConnect(c.onConnect)
	}
	return c
}

// Start connects in the background until ctx is done
func (c *MQTTClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

// connectWithRetry attempts to connect to the broker with exponential backoff
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Printf("[MQTT] Connecting to %s...", c.config.Broker)
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	topic := c.config.JobTopic
	log.Printf("[MQTT] Subscribing to job topic %s", topic)
	token := client.Subscribe(topic, 1, c.handleJob)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) handleJob(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("[MQTT] Received job (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	job, err := ParseFrameJob(payload)
	if err != nil {
		log.Printf("[MQTT] Rejected job: %v", err)
	}
	if c.jobHandler != nil {
		c.jobHandler(job, err)
	}
}

// IsConnected returns true if the client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}
