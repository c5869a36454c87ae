package mqtt

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/logger"
)

// qos is at-least-once for every subscription and publish
const qos = 1

// Config represents the configuration of an MQTT connection
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Client represents an MQTT client usable as a broker.Transport
type Client struct {
	client mqtt.Client
	config Config
}

// NewClient creates a new MQTT client
func NewClient(config Config) (*Client, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)

	if config.ClientID == "" {
		config.ClientID = "oceanflow-" + uuid.NewString()
	}
	opts.SetClientID(config.ClientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	// Keep subscriptions and unacknowledged messages across reconnects
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)
	opts.SetAutoAckDisabled(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	return &Client{
		client: mqtt.NewClient(opts),
		config: config,
	}, nil
}

// Connect connects to the MQTT broker
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("connection to MQTT broker cancelled: %w", ctx.Err())
	case <-time.After(c.config.ConnectTimeout):
		return fmt.Errorf("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully connected to MQTT broker: %s", c.config.Broker)
	return nil
}

// Publish publishes body to topic
func (c *Client) Publish(ctx context.Context, topic string, body []byte) error {
	if !c.client.IsConnectionOpen() {
		return broker.ErrNotConnected
	}

	token := c.client.Publish(topic, qos, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe subscribes to the topic filter. A non-empty group uses a shared
// subscription so that the group members compete for messages.
func (c *Client) Subscribe(ctx context.Context, topic, group string, deliver broker.Delivery) (broker.Subscription, error) {
	filter := topic
	if group != "" {
		filter = "$share/" + group + "/" + topic
	}

	token := c.client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug("received message from topic %s", msg.Topic())
		if err := deliver(context.WithoutCancel(ctx), msg.Topic(), msg.Payload()); err != nil {
			// withheld: the broker redelivers on the next session resume
			return
		}
		msg.Ack()
	})

	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("subscription to topic %s timed out", filter)
	}

	if err := token.Error(); err != nil {
		return nil, err
	}

	logger.Info("successfully subscribed to topic: %s", filter)
	return &subscription{client: c.client, filter: filter}, nil
}

type subscription struct {
	client mqtt.Client
	filter string
}

func (s *subscription) Unsubscribe() error {
	token := s.client.Unsubscribe(s.filter)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe from %s timed out", s.filter)
	}
	return token.Error()
}

// Close disconnects from the MQTT broker
func (c *Client) Close() error {
	c.client.Disconnect(250)
	logger.Info("disconnected from MQTT broker")
	return nil
}

// Dial connects to the MQTT broker and returns a broker over the connection
func Dial(ctx context.Context, config Config) (*broker.Bus, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", err)
	}
	return broker.NewBus(client, broker.MQTTDialect), nil
}
