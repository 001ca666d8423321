package mqtt

import (
	"context"
	"errors"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"aquaflow/internal/broker/application"
	broker "aquaflow/internal/broker/domain"
)

// Connector opens paho MQTT connections for broker configurations.
type Connector struct {
	logger *log.Logger
}

// NewConnector constructs an MQTT connector.
func NewConnector(logger *log.Logger) *Connector {
	if logger == nil {
		logger = log.Default()
	}
	return &Connector{logger: logger}
}

// Connect dials the configured broker and subscribes to the tenant's
// topic namespace. Paho handles reconnects after the first successful
// connect; OnConnect re-subscribes after each reconnect.
func (c *Connector) Connect(ctx context.Context, cfg broker.Config, handler application.MessageHandler, state application.StateHandler) (application.Connection, error) {
	if handler == nil {
		return nil, errors.New("mqtt connector: nil handler")
	}
	if state == nil {
		state = func(bool, string) {}
	}

	topic := cfg.TopicPrefix + "#"
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	retryInterval := cfg.ReconnectDelay
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID("aquaflow-" + cfg.TenantID + "-" + cfg.Provider).
		SetOrderMatters(true).
		SetCleanSession(false).
		SetKeepAlive(keepAlive).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetryInterval(retryInterval)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(client mqtt.Client) {
		if token := client.Subscribe(topic, cfg.QoS, onMessage); token.Wait() && token.Error() != nil {
			c.logger.Printf("mqtt connector: subscribe tenant=%s topic=%s: %v", cfg.TenantID, topic, token.Error())
			state(false, "subscribe: "+token.Error().Error())
			return
		}
		c.logger.Printf("mqtt connector: subscribed tenant=%s topic=%s qos=%d", cfg.TenantID, topic, cfg.QoS)
		state(true, "")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Printf("mqtt connector: connection lost tenant=%s provider=%s: %v", cfg.TenantID, cfg.Provider, err)
		state(false, err.Error())
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	return &connection{client: client}, nil
}

type connection struct {
	client mqtt.Client
}

// Close disconnects the underlying client, allowing up to timeout for
// in-flight work to finish.
func (c *connection) Close(timeout time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(uint(timeout / time.Millisecond))
}
