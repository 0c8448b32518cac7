package transport

import "testing"

// TestMQTTTransportDefaults verifies configuration fallbacks.
func TestMQTTTransportDefaults(t *testing.T) {
	tr, err := NewMQTTTransport(MQTTConfig{Broker: "127.0.0.1:1883"})
	if err != nil {
		t.Fatalf("NewMQTTTransport failed: %v", err)
	}

	if tr.cfg.EndpointID == "" {
		t.Error("Expected a generated endpoint ID")
	}
	if tr.cfg.SignalPrefix != "safestream/peer" {
		t.Errorf("Expected default signal prefix, got %q", tr.cfg.SignalPrefix)
	}
	if tr.cfg.MediaPrefix != "safestream/media" {
		t.Errorf("Expected default media prefix, got %q", tr.cfg.MediaPrefix)
	}
	if tr.cfg.SignalQoS != 1 {
		t.Errorf("Expected default signal QoS 1, got %d", tr.cfg.SignalQoS)
	}
	if tr.cfg.JPEGQuality != 70 {
		t.Errorf("Expected default JPEG quality 70, got %d", tr.cfg.JPEGQuality)
	}
}

// TestMQTTTransportRequiresBroker verifies the broker address is mandatory.
func TestMQTTTransportRequiresBroker(t *testing.T) {
	if _, err := NewMQTTTransport(MQTTConfig{}); err == nil {
		t.Error("Expected error without a broker")
	}
}
