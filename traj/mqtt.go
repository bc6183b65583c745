package traj

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Stream status values understood on <topic>/status.
const (
	StatusFinished = "finished"
	StatusReset    = "reset"
)

// PoseHandler is called for every pose message received on a stream topic.
// err is set when the payload could not be decoded.
type PoseHandler func(streamID string, msg PoseMessage, err error)

// StatusHandler is called when a stream reports a status change.
type StatusHandler func(streamID, status string)

// MQTTClient manages the MQTT connection and the pose stream subscriptions.
type MQTTClient struct {
	client        mqtt.Client
	config        *Config
	poseHandler   PoseHandler
	statusHandler StatusHandler
	isConnected   bool
	mu            sync.RWMutex

	// cancel stops a pending connectWithRetry.
	cancel context.CancelFunc
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client. The broker comes from
// MQTT_BROKER or the config; when neither is set MQTT is disabled and this
// returns nil, nil.
func InitMQTT(config *Config, handler PoseHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		Logger().Info("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if config == nil || len(config.Streams) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no streams configured")
	}

	client := &MQTTClient{
		config:      config,
		poseHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "trajeval"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Poses of one stream must arrive in order.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	client.cancel = cancel
	go client.connectWithRetry(ctx)

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance.
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry connects with exponential backoff up to a minute. It
// gives up when ctx is done.
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for ctx.Err() == nil {
		Logger().Info("[MQTT] connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logger().Info("[MQTT] connected to MQTT broker")
				c.setConnected(true)
				return
			}
			Logger().Warnw("[MQTT] connection failed", "error", token.Error())
		} else {
			Logger().Warn("[MQTT] connection timeout")
		}

		Logger().Infow("[MQTT] retrying connection", "delay", retryDelay)
		select {
		case <-ctx.Done():
			Logger().Info("[MQTT] connection attempts stopped")
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every stream topic and its status topic.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	Logger().Info("[MQTT] connected, subscribing to stream topics")
	c.setConnected(true)

	for _, stream := range c.config.Streams {
		if stream.Topic == "" {
			Logger().Warnw("[MQTT] stream has no topic configured", "stream", stream.ID)
			continue
		}
		handler, err := c.createMessageHandler(stream)
		if err != nil {
			Logger().Errorw("[MQTT] cannot subscribe stream", "stream", stream.ID, "error", err)
			continue
		}
		c.subscribe(client, stream.Topic, handler)
		c.subscribe(client, StatusTopic(stream.Topic), c.createStatusMessageHandler(stream.ID))
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	token := client.Subscribe(topic, 1, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		Logger().Errorw("[MQTT] subscribe failed", "topic", topic, "error", token.Error())
		return
	}
	Logger().Infow("[MQTT] subscribed", "topic", topic)
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	Logger().Warnw("[MQTT] connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	Logger().Info("[MQTT] reconnecting")
}

// createMessageHandler decodes pose payloads in the stream's layout.
func (c *MQTTClient) createMessageHandler(stream StreamConfig) (mqtt.MessageHandler, error) {
	layout, conv, err := stream.PoseFormat()
	if err != nil {
		return nil, err
	}
	streamID := stream.ID
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		Logger().Debugw("[MQTT] received pose", "stream", streamID, "topic", msg.Topic(), "bytes", len(payload))

		pm, err := DecodePoseMessage(payload, layout, conv)
		if err != nil {
			Logger().Warnw("[MQTT] decoding pose failed", "stream", streamID, "error", err)
		}
		if c.poseHandler != nil {
			c.poseHandler(streamID, pm, err)
		}
	}, nil
}

// SetStatusHandler registers a callback for stream status changes.
func (c *MQTTClient) SetStatusHandler(handler StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHandler = handler
}

func (c *MQTTClient) getStatusHandler() StatusHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusHandler
}

// StatusTopic returns the status topic of a pose topic.
// Example: "slam/run1/pose" -> "slam/run1/pose/status"
func StatusTopic(poseTopic string) string {
	return strings.TrimSuffix(poseTopic, "/") + "/status"
}

type statusPayload struct {
	Value string `json:"value"`
}

// parseStatus accepts {"value": "..."}, a JSON string, or raw text.
func parseStatus(payload []byte) string {
	var state statusPayload
	if err := json.Unmarshal(payload, &state); err == nil && state.Value != "" {
		return strings.ToLower(state.Value)
	}
	var plain string
	if err := json.Unmarshal(payload, &plain); err == nil {
		return strings.ToLower(strings.TrimSpace(plain))
	}
	return strings.ToLower(strings.TrimSpace(string(payload)))
}

func (c *MQTTClient) createStatusMessageHandler(streamID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		status := parseStatus(msg.Payload())
		if status == "" {
			Logger().Debugw("[MQTT] empty status payload", "stream", streamID)
			return
		}
		Logger().Infow("[MQTT] stream status", "stream", streamID, "status", status)
		if handler := c.getStatusHandler(); handler != nil {
			handler(streamID, status)
		}
	}
}

// IsConnected returns true if the MQTT client is connected.
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

// Disconnect closes the connection with a 250ms quiesce.
func (c *MQTTClient) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.client != nil && c.client.IsConnected() {
		Logger().Info("[MQTT] disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetStreamByTopic returns the stream ID subscribed to a topic.
func (c *MQTTClient) GetStreamByTopic(topic string) (string, bool) {
	for _, stream := range c.config.Streams {
		if stream.Topic == topic {
			return stream.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing.
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps a provided mqtt.Client for tests.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler PoseHandler) *MQTTClient {
	return &MQTTClient{
		client:      client,
		config:      config,
		poseHandler: handler,
	}
}
