package models

import (
	"time"
)

// DetectionMessage is published on the bus for every detection
type DetectionMessage struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Code       int64     `json:"code"`
	RSSI       int       `json:"rssi"`
	ObservedAt time.Time `json:"observedAt"`
}

// RadioStateMessage is published whenever the radio power state changes
type RadioStateMessage struct {
	Source    string    `json:"source"`
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changedAt"`
}

// EngineCommand asks a running engine to start, stop or rescan
type EngineCommand struct {
	Action string `json:"action" validate:"required,oneof=start|stop|trigger"`
	Source string `json:"source"`
}
