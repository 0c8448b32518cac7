package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete SafeStream configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	DisplayName      string         `yaml:"display_name"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig   `yaml:"camera"`
	Shield           ShieldConfig   `yaml:"shield"`
	Detector         DetectorConfig `yaml:"detector"`
	Call             CallConfig     `yaml:"call"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Preview          PreviewConfig  `yaml:"preview"`
}

// CameraConfig contains local camera settings
type CameraConfig struct {
	Device     string `yaml:"device"`     // v4l2 device path (default: /dev/video0)
	Resolution string `yaml:"resolution"` // 512p, 720p, 1080p
	FPS        int    `yaml:"fps"`        // target fps
	Mirror     bool   `yaml:"mirror"`     // flip self-view horizontally (selfie orientation)
}

// ShieldConfig contains frame-analysis pipeline settings
type ShieldConfig struct {
	Enabled bool `yaml:"enabled"` // start with shield active
	// MinIntervalMS is the minimum gap between inference submissions per
	// stream side. 0 selects the detector mode default (200ms sidecar,
	// 400ms remote).
	MinIntervalMS int `yaml:"min_interval_ms"`
	RenderFPS     int `yaml:"render_fps"` // overlay compositing cadence (default: 30)
}

// DetectorConfig selects and configures the inference backend
type DetectorConfig struct {
	// Mode is "remote" (HTTP classification service) or "sidecar"
	// (local region-detection subprocess)
	Mode        string  `yaml:"mode"`
	Endpoint    string  `yaml:"endpoint"`     // remote: base URL of the classifier service
	JPEGQuality int     `yaml:"jpeg_quality"` // remote: upload encode quality (default: 60)
	Command     string  `yaml:"command"`      // sidecar: worker launch command
	ModelPath   string  `yaml:"model_path"`   // sidecar: detection model weights
	Confidence  float64 `yaml:"confidence"`   // sidecar: minimum region confidence
}

// CallConfig contains call lifecycle settings
type CallConfig struct {
	AutoAnswer      bool `yaml:"auto_answer"`       // answer inbound calls automatically (default: true)
	EndedCooldownMS int  `yaml:"ended_cooldown_ms"` // Ended → Idle delay after a full hangup (default: 2000)
}

// MQTTConfig contains MQTT broker settings for signaling and stats
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Signal string `yaml:"signal"` // signaling prefix, e.g. safestream/peer
	Media  string `yaml:"media"`  // media relay prefix, e.g. safestream/media
	Stats  string `yaml:"stats"`
	Health string `yaml:"health"`
}

// PreviewConfig contains the local presentation server settings
type PreviewConfig struct {
	Listen string `yaml:"listen"` // HTTP listen address (default: :8090)
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown timeout as a duration
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// MinInterval returns the per-side inference rate limit, falling back to
// the detector mode default when unset.
func (c *Config) MinInterval() time.Duration {
	if c.Shield.MinIntervalMS > 0 {
		return time.Duration(c.Shield.MinIntervalMS) * time.Millisecond
	}
	if c.Detector.Mode == "remote" {
		return 400 * time.Millisecond
	}
	return 200 * time.Millisecond
}

// EndedCooldown returns the Ended → Idle auto-revert delay
func (c *Config) EndedCooldown() time.Duration {
	return time.Duration(c.Call.EndedCooldownMS) * time.Millisecond
}

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.Camera.Device == "" {
		cfg.Camera.Device = "/dev/video0"
	}
	if cfg.Camera.Resolution == "" {
		cfg.Camera.Resolution = "720p"
	}
	if cfg.Camera.FPS == 0 {
		cfg.Camera.FPS = 15
	}
	if cfg.Shield.RenderFPS == 0 {
		cfg.Shield.RenderFPS = 30
	}
	if cfg.Detector.JPEGQuality == 0 {
		cfg.Detector.JPEGQuality = 60
	}
	if cfg.Detector.Confidence == 0 {
		cfg.Detector.Confidence = 0.5
	}
	if cfg.Call.EndedCooldownMS == 0 {
		cfg.Call.EndedCooldownMS = 2000
	}
	if cfg.Preview.Listen == "" {
		cfg.Preview.Listen = ":8090"
	}
	if cfg.MQTT.Topics.Signal == "" {
		cfg.MQTT.Topics.Signal = "safestream/peer"
	}
	if cfg.MQTT.Topics.Media == "" {
		cfg.MQTT.Topics.Media = "safestream/media"
	}
	if cfg.MQTT.Topics.Stats == "" {
		cfg.MQTT.Topics.Stats = "safestream/stats"
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = "safestream/health"
	}
}
