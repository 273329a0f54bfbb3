// Package mqttclient mirrors job notifications onto an MQTT broker so other
// devices of the same user see them, and listens for remote pending-job
// registrations.
package mqttclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// RegisterHandler is invoked for every job id received on the register topic.
type RegisterHandler func(jobID, ownerID string)

type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	published atomic.Int64
	log       zerolog.Logger
	onReg     atomic.Pointer[RegisterHandler]
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
		prefix: normalizePrefix(opts.TopicPrefix),
		log:    opts.Log.With().Str("component", "mqtt").Logger(),
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

// OnRegister sets the handler for remote pending-job registrations.
func (c *Client) OnRegister(h RegisterHandler) {
	c.onReg.Store(&h)
}

// NotificationTopic is where the notification for jobID is published.
func (c *Client) NotificationTopic(jobID string) string {
	return notificationTopic(c.prefix, jobID)
}

func notificationTopic(prefix, jobID string) string {
	return fmt.Sprintf("%s/jobs/%s/notification", prefix, jobID)
}

func registerTopic(prefix string) string {
	return prefix + "/pending/register"
}

// PublishNotification sends payload as JSON with QoS 1. It does not block
// on broker acknowledgement beyond timeout.
func (c *Client) PublishNotification(jobID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	token := c.conn.Publish(c.NotificationTopic(jobID), 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish notification %s: timed out", jobID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish notification %s: %w", jobID, err)
	}
	c.published.Add(1)
	return nil
}

// Published returns the number of notifications acknowledged by the broker.
func (c *Client) Published() int64 { return c.published.Load() }

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	topic := registerTopic(c.prefix)
	c.log.Info().Str("topic", topic).Msg("mqtt connected, subscribing")

	token := client.Subscribe(topic, 1, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.handleMessage(msg.Topic(), msg.Payload())
}

type registerMessage struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id"`
}

func (c *Client) handleMessage(topic string, payload []byte) {
	if topic != registerTopic(c.prefix) {
		c.log.Debug().Str("topic", topic).Int("payload_size", len(payload)).Msg("mqtt message ignored")
		return
	}
	var m registerMessage
	if err := json.Unmarshal(payload, &m); err != nil || m.JobID == "" {
		c.log.Warn().Err(err).Str("topic", topic).Msg("invalid register message")
		return
	}
	if h := c.onReg.Load(); h != nil {
		(*h)(m.JobID, m.OwnerID)
	}
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
		return "voicecoach"
	}
	return p
}
