package mqttclient

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/metrics"
)

// publisher is the subset of mqtt.Client used for publishing.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

type Client struct {
	conn        mqtt.Client
	pub         publisher
	topicPrefix string
	connected   atomic.Bool
	log         zerolog.Logger
	publishWait time.Duration
}

type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		topicPrefix: normalizePrefix(opts.TopicPrefix),
		log:         opts.Log.With().Str("component", "mqtt").Logger(),
		publishWait: 5 * time.Second,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	c.pub = c.conn
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic_prefix", c.topicPrefix).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// PublishJSON encodes v and publishes it under the topic prefix without
// blocking the caller. Delivery failures are logged and counted.
func (c *Client) PublishJSON(suffix string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Str("topic", suffix).Msg("mqtt payload encode failed")
		metrics.MQTTPublishesTotal.WithLabelValues("error").Inc()
		return
	}
	topic := c.topicPrefix + "/" + strings.TrimPrefix(suffix, "/")
	token := c.pub.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(c.publishWait) {
			c.log.Warn().Str("topic", topic).Msg("mqtt publish timed out")
			metrics.MQTTPublishesTotal.WithLabelValues("timeout").Inc()
			return
		}
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
			metrics.MQTTPublishesTotal.WithLabelValues("error").Inc()
			return
		}
		metrics.MQTTPublishesTotal.WithLabelValues("ok").Inc()
	}()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

func normalizePrefix(raw string) string {
	p := strings.Trim(strings.TrimSpace(raw), "/")
	if p == "" {
		return "voice-sentinel"
	}
	return p
}
