package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

// Config describes one tenant broker connection.
type Config struct {
	ID             string
	TenantID       string
	Provider       string
	Host           string
	Port           int
	Username       string
	Password       string
	UseTLS         bool
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	ReconnectDelay time.Duration
	Enabled        bool
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks config invariants.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("broker config: empty id")
	}
	if c.TenantID == "" {
		return errors.New("broker config: empty tenant id")
	}
	if c.Provider == "" {
		return errors.New("broker config: empty provider")
	}
	if c.Host == "" {
		return errors.New("broker config: empty host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("broker config: invalid port")
	}
	if c.TopicPrefix == "" {
		return errors.New("broker config: empty topic prefix")
	}
	if c.QoS > 2 {
		return errors.New("broker config: invalid qos")
	}
	return nil
}

// Key identifies the connection this config owns.
func (c Config) Key() string {
	return c.TenantID + "/" + c.Provider
}

// BrokerURL returns the transport URL for the configured broker.
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// ErrNoDeviceID is returned when a topic carries no device identifier.
var ErrNoDeviceID = errors.New("broker: no device id in topic")

// DeviceIDFromTopic extracts the device identifier from an inbound topic.
// Topics follow {topic_prefix}{deviceId}/{suffix}; the suffix is optional.
func DeviceIDFromTopic(prefix, topic string) (string, error) {
	if !strings.HasPrefix(topic, prefix) {
		return "", ErrNoDeviceID
	}
	rest := strings.TrimPrefix(topic, prefix)
	if rest == "" {
		return "", ErrNoDeviceID
	}
	deviceID := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		deviceID = rest[:idx]
	}
	if deviceID == "" {
		return "", ErrNoDeviceID
	}
	return deviceID, nil
}

// InboundMessage is a raw message routed off a broker connection.
type InboundMessage struct {
	TenantID   string
	Provider   string
	DeviceID   string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// ConfigRepository provides read access to broker configurations and
// write access to their connectivity status.
type ConfigRepository interface {
	ListEnabled(ctx context.Context) ([]Config, error)
	UpdateStatus(ctx context.Context, id, status, detail string) error
}
