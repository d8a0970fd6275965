// Package mqttclient publishes render job status to an MQTT broker and
// optionally accepts render requests from it.
package mqttclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/metrics"
	"github.com/snarg/conjunx/internal/render"
)

const publishTimeout = 5 * time.Second

type MessageHandler func(topic string, payload []byte)

type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger

	mu      sync.RWMutex
	handler MessageHandler
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: strings.Trim(opts.TopicPrefix, "/"),
		log:    opts.Log.With().Str("component", "mqtt").Logger(),
	}
	if c.prefix == "" {
		c.prefix = "conjunx"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// SetRequestHandler installs h for messages on the render request topic and
// subscribes now if connected, and again on every reconnect.
func (c *Client) SetRequestHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	if c.conn != nil && c.conn.IsConnected() {
		c.subscribe(c.conn)
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected")
	c.subscribe(client)
}

func (c *Client) subscribe(client mqtt.Client) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}
	topic := RequestTopic(c.prefix)
	token := client.Subscribe(topic, 1, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("mqtt subscribe failed")
		return
	}
	c.log.Info().Str("topic", topic).Msg("mqtt subscribed to render requests")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil && msg.Topic() == RequestTopic(c.prefix) {
		h(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message ignored")
}

// Publish sends payload at QoS 1 and waits briefly for the broker to acknowledge.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.conn.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		metrics.MQTTMessagesPublishedTotal.WithLabelValues("timeout").Inc()
		return errors.New("mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		metrics.MQTTMessagesPublishedTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.MQTTMessagesPublishedTotal.WithLabelValues("ok").Inc()
	return nil
}

// PublishJob publishes a job snapshot to its status topic. Terminal states
// are retained so late subscribers see the outcome.
func (c *Client) PublishJob(s render.Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	topic := StatusTopic(c.prefix, s.ID)
	if err := c.Publish(topic, payload, s.Status.Terminal()); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("job status publish failed")
	}
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

// StatusTopic is where a job's state transitions are published.
func StatusTopic(prefix, jobID string) string {
	return fmt.Sprintf("%s/jobs/%s/status", strings.Trim(prefix, "/"), jobID)
}

// RequestTopic accepts JSON render requests.
func RequestTopic(prefix string) string {
	return strings.Trim(prefix, "/") + "/render/request"
}
