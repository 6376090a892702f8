package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/proximity-beacon/beacon-engine/internal/models"
	"github.com/proximity-beacon/beacon-engine/internal/validation"
)

// Controller is the engine surface driven by bus commands
type Controller interface {
	Start(source string) error
	Stop(source string) error
	Trigger(source string) error
}

// CommandSubscriber applies engine commands received over NATS
type CommandSubscriber struct {
	nc        *nats.Conn
	ctrl      Controller
	prefix    string
	validator *validation.Validator
}

// NewCommandSubscriber creates a command subscriber
func NewCommandSubscriber(nc *nats.Conn, ctrl Controller, prefix string) *CommandSubscriber {
	return &CommandSubscriber{
		nc:        nc,
		ctrl:      ctrl,
		prefix:    prefix,
		validator: validation.NewValidator(),
	}
}

// Start subscribes and blocks until ctx is done
func (s *CommandSubscriber) Start(ctx context.Context) error {
	subject := subjectFor(s.prefix, SubjectCommand)
	sub, err := s.nc.Subscribe(subject, s.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe engine commands: %w", err)
	}

	log.Info().Str("subject", subject).Msg("Engine command subscriber started")

	<-ctx.Done()
	sub.Unsubscribe()
	return ctx.Err()
}

func (s *CommandSubscriber) handleMsg(msg *nats.Msg) {
	err := s.apply(msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Engine command rejected")
	}

	if msg.Reply != "" {
		reply := map[string]interface{}{"ok": err == nil}
		if err != nil {
			reply["error"] = err.Error()
		}
		data, _ := json.Marshal(reply)
		if rerr := msg.Respond(data); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to reply to engine command")
		}
	}
}

// apply decodes and executes one command
func (s *CommandSubscriber) apply(data []byte) error {
	var cmd models.EngineCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if err := s.validator.Validate(&cmd); err != nil {
		return err
	}

	source := cmd.Source
	if source == "" {
		source = "nats"
	}

	log.Info().Str("action", cmd.Action).Str("source", source).Msg("Engine command received")

	switch cmd.Action {
	case "start":
		return s.ctrl.Start(source)
	case "stop":
		return s.ctrl.Stop(source)
	default:
		return s.ctrl.Trigger(source)
	}
}
