package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/proximity-beacon/beacon-engine/internal/models"
	"github.com/proximity-beacon/beacon-engine/internal/storage"
)

// Forwarder hands a recorded detection to an external integration
type Forwarder interface {
	Forward(ctx context.Context, msg models.DetectionMessage) error
}

// Recorder persists detections and radio state changes published by engines
type Recorder struct {
	nc        *nats.Conn
	store     storage.Store
	prefix    string
	forwarder Forwarder
	subs      []*nats.Subscription
}

// NewRecorder creates a recorder; forwarder may be nil
func NewRecorder(nc *nats.Conn, store storage.Store, prefix string, forwarder Forwarder) *Recorder {
	return &Recorder{
		nc:        nc,
		store:     store,
		prefix:    prefix,
		forwarder: forwarder,
		subs:      make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until ctx is done
func (r *Recorder) Start(ctx context.Context) error {
	sub1, err := r.nc.Subscribe(subjectFor(r.prefix, SubjectDetection), r.handleDetection)
	if err != nil {
		return fmt.Errorf("subscribe detections: %w", err)
	}
	r.subs = append(r.subs, sub1)

	sub2, err := r.nc.Subscribe(subjectFor(r.prefix, SubjectRadioState), r.handleRadioState)
	if err != nil {
		return fmt.Errorf("subscribe radio state: %w", err)
	}
	r.subs = append(r.subs, sub2)

	log.Info().
		Int("subscriptions", len(r.subs)).
		Msg("Detection recorder started")

	<-ctx.Done()

	for _, sub := range r.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleDetection stores a detection and forwards it
func (r *Recorder) handleDetection(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received detection")

	if err := r.recordDetection(context.Background(), msg.Data); err != nil {
		log.Error().Err(err).Msg("Failed to record detection")
	}
}

func (r *Recorder) recordDetection(ctx context.Context, data []byte) error {
	var dm models.DetectionMessage
	if err := json.Unmarshal(data, &dm); err != nil {
		return fmt.Errorf("unmarshal detection: %w", err)
	}

	d := &models.Detection{
		Code:       dm.Code,
		RSSI:       dm.RSSI,
		ObservedAt: dm.ObservedAt,
		Source:     dm.Source,
	}
	if id, err := uuid.Parse(dm.ID); err == nil {
		d.ID = id
	}

	if err := r.store.InsertDetection(ctx, d); err != nil {
		return err
	}

	log.Info().
		Str("source", dm.Source).
		Int64("code", dm.Code).
		Int("rssi", dm.RSSI).
		Msg("Detection recorded")

	if r.forwarder != nil {
		dm.ID = d.ID.String()
		if err := r.forwarder.Forward(ctx, dm); err != nil {
			r.logIntegrationError(ctx, dm.Source, err)
		}
	}
	return nil
}

// handleRadioState writes an event log entry for each radio state change
func (r *Recorder) handleRadioState(msg *nats.Msg) {
	if err := r.recordRadioState(context.Background(), msg.Data); err != nil {
		log.Error().Err(err).Msg("Failed to record radio state")
	}
}

func (r *Recorder) recordRadioState(ctx context.Context, data []byte) error {
	var sm models.RadioStateMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return fmt.Errorf("unmarshal radio state: %w", err)
	}

	level := models.EventLevelInfo
	if sm.State != "poweredOn" {
		level = models.EventLevelWarning
	}

	event := &models.EventLog{
		CreatedAt:   sm.ChangedAt,
		Source:      sm.Source,
		Type:        models.EventTypeRadioState,
		Level:       level,
		Code:        sm.State,
		Description: fmt.Sprintf("Radio state changed to %s", sm.State),
	}
	return r.store.CreateEventLog(ctx, event)
}

func (r *Recorder) logIntegrationError(ctx context.Context, source string, err error) {
	log.Error().Err(err).Str("source", source).Msg("Failed to forward detection")

	event := &models.EventLog{
		Source:      source,
		Type:        models.EventTypeIntegration,
		Level:       models.EventLevelError,
		Code:        "FORWARD_FAILED",
		Description: err.Error(),
	}
	if err := r.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

// RunPruner deletes detections older than ttl every interval until ctx is done
func (r *Recorder) RunPruner(ctx context.Context, interval, ttl time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.prune(ctx, now, ttl)
		}
	}
}

func (r *Recorder) prune(ctx context.Context, now time.Time, ttl time.Duration) {
	n, err := r.store.PruneDetections(ctx, now.Add(-ttl))
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune detections")
		return
	}
	if n == 0 {
		return
	}

	log.Info().Int64("deleted", n).Dur("ttl", ttl).Msg("Pruned detections")

	event := &models.EventLog{
		Source:      "recorder",
		Type:        models.EventTypePrune,
		Level:       models.EventLevelInfo,
		Code:        "DETECTIONS_PRUNED",
		Description: fmt.Sprintf("Deleted %d detections older than %s", n, ttl),
		Details:     models.Variables{"deleted": n},
	}
	if err := r.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}
