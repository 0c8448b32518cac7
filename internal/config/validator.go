package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Validate camera config
	if cfg.Camera.FPS <= 0 {
		return fmt.Errorf("camera.fps must be > 0")
	}
	switch cfg.Camera.Resolution {
	case "512p", "720p", "1080p":
	default:
		return fmt.Errorf("camera.resolution must be 512p, 720p or 1080p, got %q", cfg.Camera.Resolution)
	}

	// Validate detector config
	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector validation failed: %w", err)
	}

	if cfg.Shield.MinIntervalMS < 0 {
		return fmt.Errorf("shield.min_interval_ms must be >= 0")
	}
	if cfg.Shield.RenderFPS <= 0 {
		return fmt.Errorf("shield.render_fps must be > 0")
	}

	// Validate MQTT broker
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"signal": 1,
			"media":  0,
			"stats":  0,
			"health": 0,
		}
	}

	return nil
}

func validateDetector(d *DetectorConfig) error {
	switch d.Mode {
	case "remote":
		if d.Endpoint == "" {
			return fmt.Errorf("endpoint is required in remote mode")
		}
		if d.JPEGQuality < 1 || d.JPEGQuality > 100 {
			return fmt.Errorf("jpeg_quality must be 1-100, got %d", d.JPEGQuality)
		}
	case "sidecar":
		if d.Command == "" {
			return fmt.Errorf("command is required in sidecar mode")
		}
		if d.ModelPath == "" {
			return fmt.Errorf("model_path is required in sidecar mode")
		}
		if d.Confidence <= 0 || d.Confidence > 1 {
			return fmt.Errorf("confidence must be in (0,1], got %v", d.Confidence)
		}
	case "":
		return fmt.Errorf("mode is required (remote or sidecar)")
	default:
		return fmt.Errorf("unknown mode %q (must be remote or sidecar)", d.Mode)
	}
	return nil
}
