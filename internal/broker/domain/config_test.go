package broker

import (
	"errors"
	"testing"
)

func validConfig() Config {
	return Config{
		ID:          "cfg-1",
		TenantID:    "tenant-a",
		Provider:    "acme-iot",
		Host:        "broker.example.com",
		Port:        8883,
		UseTLS:      true,
		TopicPrefix: "water/tenant-a/",
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	broken := validConfig()
	broken.Port = 0
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected invalid port error")
	}

	broken = validConfig()
	broken.TopicPrefix = ""
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected empty topic prefix error")
	}

	broken = validConfig()
	broken.QoS = 3
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected invalid qos error")
	}
}

func TestConfig_BrokerURL(t *testing.T) {
	cfg := validConfig()
	if got := cfg.BrokerURL(); got != "ssl://broker.example.com:8883" {
		t.Fatalf("unexpected url %s", got)
	}
	cfg.UseTLS = false
	cfg.Port = 1883
	if got := cfg.BrokerURL(); got != "tcp://broker.example.com:1883" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	cases := []struct {
		topic  string
		device string
		ok     bool
	}{
		{"water/tenant-a/meter-17/telemetry", "meter-17", true},
		{"water/tenant-a/meter-17", "meter-17", true},
		{"water/tenant-a/", "", false},
		{"other/tenant-b/meter-17/telemetry", "", false},
		{"water/tenant-a//telemetry", "", false},
	}
	for _, tc := range cases {
		device, err := DeviceIDFromTopic("water/tenant-a/", tc.topic)
		if tc.ok {
			if err != nil {
				t.Fatalf("topic %s: unexpected error %v", tc.topic, err)
			}
			if device != tc.device {
				t.Fatalf("topic %s: expected %s, got %s", tc.topic, tc.device, device)
			}
			continue
		}
		if !errors.Is(err, ErrNoDeviceID) {
			t.Fatalf("topic %s: expected ErrNoDeviceID, got %v", tc.topic, err)
		}
	}
}
