package core

import (
	"context"

	"github.com/lunovian/hazard-label-detection/internal/detect"
	"github.com/lunovian/hazard-label-detection/internal/emitter"
	"github.com/lunovian/hazard-label-detection/internal/types"
)

// Inferencer runs detection on one frame. Satisfied by *detect.Detector;
// tests substitute a fake so the pipeline runs without a model.
type Inferencer interface {
	Detect(frame types.Frame) ([]detect.Detection, error)
	Close() error
}

// Publisher emits inference results. Satisfied by *emitter.MQTT.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(inference types.Inference) error
	PublishHealth(payload []byte) error
	Disconnect()
	Stats() emitter.Stats
}
