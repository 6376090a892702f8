package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/proximity-beacon/beacon-engine/internal/models"
	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// Subject suffixes under the configured prefix
const (
	SubjectDetection  = "detection"
	SubjectRadioState = "radio.state"
	SubjectCommand    = "engine.command"
)

// Publisher is the part of *nats.Conn the engine side needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher forwards engine events onto the bus. It implements
// engine.Observer.
type NATSPublisher struct {
	pub    Publisher
	prefix string
	source string
	now    func() time.Time
}

// NewNATSPublisher creates a publisher; source identifies this engine instance
func NewNATSPublisher(pub Publisher, prefix, source string) *NATSPublisher {
	return &NATSPublisher{
		pub:    pub,
		prefix: prefix,
		source: source,
		now:    time.Now,
	}
}

// Detected publishes a detection message
func (p *NATSPublisher) Detected(code beacon.Code, rssi beacon.SignalStrength) {
	msg := models.DetectionMessage{
		ID:         uuid.NewString(),
		Source:     p.source,
		Code:       int64(code),
		RSSI:       int(rssi),
		ObservedAt: p.now().UTC(),
	}
	p.publish(SubjectDetection, msg)
}

// RadioStateChanged publishes the new radio state
func (p *NATSPublisher) RadioStateChanged(state radio.State) {
	msg := models.RadioStateMessage{
		Source:    p.source,
		State:     state.String(),
		ChangedAt: p.now().UTC(),
	}
	p.publish(SubjectRadioState, msg)
}

func (p *NATSPublisher) publish(suffix string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("subject", suffix).Msg("Failed to marshal bus message")
		return
	}

	subject := subjectFor(p.prefix, suffix)
	if err := p.pub.Publish(subject, data); err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish to NATS")
	}
}

func subjectFor(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
