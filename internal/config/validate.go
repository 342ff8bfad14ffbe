package config

import (
	"regexp"

	"github.com/pkg/errors"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults. Mutates cfg.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return errors.New("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return errors.New("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.SiteID == "" {
		return errors.New("site_id is required")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}
	if err := validateDetector(&cfg.Detector); err != nil {
		return err
	}
	validateTracker(&cfg.Tracker)
	return validateMQTT(cfg)
}

func validateCamera(c *CameraConfig) error {
	if c.Path == "" && c.DeviceID < 0 {
		return errors.New("camera: device_id or path is required")
	}
	if c.Width < 0 || c.Height < 0 {
		return errors.New("camera: resolution must not be negative")
	}
	if c.FPS < 0 {
		return errors.New("camera: fps must not be negative")
	}
	if c.ConnectTimeoutS <= 0 {
		c.ConnectTimeoutS = 10
	}
	if c.FrameTimeoutS <= 0 {
		c.FrameTimeoutS = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelayS <= 0 {
		c.RetryDelayS = 1
	}
	if !c.ProgressWeights.IsZero() {
		w := c.ProgressWeights
		if sum := w.Prepare + w.Open + w.Configure + w.FirstFrame; sum != 100 {
			return errors.Errorf("camera: progress_weights must sum to 100, got %d", sum)
		}
	}
	return nil
}

func validateDetector(d *DetectorConfig) error {
	if d.ModelPath == "" {
		return errors.New("detector: model_path is required")
	}
	if d.ClassesPath == "" {
		return errors.New("detector: classes_path is required")
	}
	if d.InputSize <= 0 {
		d.InputSize = 640
	}
	if d.Confidence <= 0 {
		d.Confidence = 0.25
	}
	if d.Confidence >= 1 {
		return errors.New("detector: confidence must be below 1")
	}
	if d.NMS <= 0 {
		d.NMS = 0.45
	}
	if d.MaxInferenceRateHz < 0 {
		return errors.New("detector: max_inference_rate_hz must not be negative")
	}
	return nil
}

func validateTracker(t *TrackerConfig) {
	if t.MinConfidence <= 0 {
		t.MinConfidence = 0.3
	}
	if t.LostTTL <= 0 {
		t.LostTTL = 10
	}
}

func validateMQTT(cfg *Config) error {
	if cfg.MQTT.Broker == "" {
		return errors.New("mqtt: broker is required")
	}
	if cfg.MQTT.Topics.Inferences == "" {
		cfg.MQTT.Topics.Inferences = "hazmat/inferences/" + cfg.InstanceID
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = "hazmat/health/" + cfg.InstanceID
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"hazard_label": 1,
			"health":       0,
		}
	}
	return nil
}
