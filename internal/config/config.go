// Package config loads and validates the YAML station configuration.
// Validation is fail-fast: a config error stops startup, it never limps
// along with a partially applied file.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete station configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	SiteID           string         `yaml:"site_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // graceful shutdown bound, seconds (default: 5)
	Camera           CameraConfig   `yaml:"camera"`
	Detector         DetectorConfig `yaml:"detector"`
	Tracker          TrackerConfig  `yaml:"tracker"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Health           HealthConfig   `yaml:"health"`
}

// CameraConfig contains capture settings
type CameraConfig struct {
	// DeviceID selects a hardware camera; Path (device URL or video file)
	// takes precedence when set
	DeviceID int     `yaml:"device_id"`
	Path     string  `yaml:"path"`
	Width    int     `yaml:"width"`
	Height   int     `yaml:"height"`
	FPS      float64 `yaml:"fps"`
	// Backend is the capture API hint: auto, any, dshow, msmf, v4l2,
	// gstreamer, avfoundation
	Backend string `yaml:"backend"`

	ConnectTimeoutS int     `yaml:"connect_timeout_s"` // default: 10
	FrameTimeoutS   float64 `yaml:"frame_timeout_s"`   // default: 2
	MaxRetries      int     `yaml:"max_retries"`       // default: 2
	RetryDelayS     float64 `yaml:"retry_delay_s"`     // default: 1

	// ProgressWeights overrides the per-stage connect progress
	// contributions; all-zero keeps the 10/30/20/40 defaults
	ProgressWeights ProgressWeights `yaml:"progress_weights"`
}

// ProgressWeights are the connect stage progress contributions; when set
// they must sum to 100
type ProgressWeights struct {
	Prepare    int `yaml:"prepare"`
	Open       int `yaml:"open"`
	Configure  int `yaml:"configure"`
	FirstFrame int `yaml:"first_frame"`
}

// IsZero reports whether no weight is set
func (w ProgressWeights) IsZero() bool {
	return w.Prepare == 0 && w.Open == 0 && w.Configure == 0 && w.FirstFrame == 0
}

// DetectorConfig contains model settings
type DetectorConfig struct {
	ModelPath   string  `yaml:"model_path"`
	ClassesPath string  `yaml:"classes_path"`
	InputSize   int     `yaml:"input_size"` // default: 640
	Confidence  float64 `yaml:"confidence"` // default: 0.25
	NMS         float64 `yaml:"nms"`        // default: 0.45
	// MaxInferenceRateHz caps how often frames are run through the model;
	// 0 means every frame the detection loop can keep up with
	MaxInferenceRateHz float64 `yaml:"max_inference_rate_hz"`
}

// TrackerConfig contains identity tracking settings
type TrackerConfig struct {
	MinConfidence float64            `yaml:"min_confidence"` // default: 0.3
	ChosenLabels  map[string]float64 `yaml:"chosen_labels"`  // per-class confidence floors
	LostTTL       int                `yaml:"lost_ttl"`       // frames, default: 10
}

// MQTTConfig contains broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Inferences string `yaml:"inferences"`
	Health     string `yaml:"health"`
}

// HealthConfig contains the local health endpoint settings
type HealthConfig struct {
	// Addr is the HTTP listen address, e.g. ":8089"; empty disables it
	Addr string `yaml:"addr"`
}

// Load reads, parses and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}
