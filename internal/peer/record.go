// Package peer holds the per-device state the scanner keeps for every remote
// peer it has discovered.
package peer

import (
	"time"

	"github.com/google/uuid"

	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// DefaultExpiry is the quiescence threshold after which a record is evicted.
const DefaultExpiry = 3 * time.Minute

// Class is inferred from whether the peer's beacon characteristic supports
// subscription.
type Class int

const (
	ClassUnknown Class = iota
	// NotifyCapable peers keep a subscription open and are woken by
	// notifications.
	NotifyCapable
	// WriteOnly peers are read once per encounter and then released.
	WriteOnly
)

func (c Class) String() string {
	switch c {
	case NotifyCapable:
		return "notifyCapable"
	case WriteOnly:
		return "writeOnly"
	default:
		return "unknown"
	}
}

// ClassFromCapability maps the observed notify capability to a class
func ClassFromCapability(supportsNotify bool) Class {
	if supportsNotify {
		return NotifyCapable
	}
	return WriteOnly
}

// Record is the state kept for one remote peer, keyed by its handle.
type Record struct {
	handle string
	class  Class

	code    beacon.Code
	hasCode bool

	signal    beacon.SignalStrength
	hasSignal bool

	characteristic uuid.UUID
	subscription   uuid.UUID

	codeUpdatedAt time.Time
	lastUpdatedAt time.Time
	createdAt     time.Time

	liveness Sampler
}

// New creates a record for handle first seen at now
func New(handle string, now time.Time) *Record {
	r := &Record{
		handle:        handle,
		createdAt:     now,
		lastUpdatedAt: now,
	}
	r.liveness.Add(now)
	return r
}

// Handle returns the platform peer handle
func (r *Record) Handle() string { return r.handle }

// Class returns the inferred class, ClassUnknown until identified
func (r *Record) Class() Class { return r.class }

// Code returns the last identified code
func (r *Record) Code() (beacon.Code, bool) { return r.code, r.hasCode }

// Signal returns the last signal strength not yet consumed by a detection
func (r *Record) Signal() (beacon.SignalStrength, bool) { return r.signal, r.hasSignal }

// Characteristic returns the beacon characteristic found at identification
func (r *Record) Characteristic() (uuid.UUID, bool) {
	return r.characteristic, r.characteristic != uuid.Nil
}

// Subscription returns the characteristic the central is subscribed to
func (r *Record) Subscription() (uuid.UUID, bool) {
	return r.subscription, r.subscription != uuid.Nil
}

func (r *Record) CodeUpdatedAt() time.Time { return r.codeUpdatedAt }
func (r *Record) LastUpdatedAt() time.Time { return r.lastUpdatedAt }
func (r *Record) CreatedAt() time.Time     { return r.createdAt }

// Touch bumps LastUpdatedAt. Timestamps never move backwards.
func (r *Record) Touch(now time.Time) {
	if now.After(r.lastUpdatedAt) {
		r.lastUpdatedAt = now
	}
	r.liveness.Add(now)
}

// SetClass stores the inferred class
func (r *Record) SetClass(c Class, now time.Time) {
	r.class = c
	r.Touch(now)
}

// SetCode stores the identified code. CodeUpdatedAt moves only when the
// value changes or a cleared code is restored.
func (r *Record) SetCode(code beacon.Code, now time.Time) {
	if !r.hasCode || r.code != code {
		r.code = code
		r.hasCode = true
		r.codeUpdatedAt = now
	}
	r.Touch(now)
}

// ClearCode forgets the code, forcing re-identification
func (r *Record) ClearCode(now time.Time) {
	r.code = 0
	r.hasCode = false
	r.Touch(now)
}

// SetSignal stores a fresh signal strength
func (r *Record) SetSignal(s beacon.SignalStrength, now time.Time) {
	r.signal = s
	r.hasSignal = true
	r.Touch(now)
}

// InvalidateSignal drops the signal strength so that the next detection
// needs a fresh reading. The code is kept.
func (r *Record) InvalidateSignal(now time.Time) {
	r.signal = 0
	r.hasSignal = false
	r.Touch(now)
}

// SetCharacteristic stores the beacon characteristic found on the peer
func (r *Record) SetCharacteristic(char uuid.UUID, now time.Time) {
	r.characteristic = char
	r.Touch(now)
}

// SetSubscription records the subscribed characteristic; uuid.Nil clears it
func (r *Record) SetSubscription(char uuid.UUID, now time.Time) {
	r.subscription = char
	r.Touch(now)
}

// Ready reports whether the record holds a complete same-day observation:
// class, code and signal are present and the code was captured on the UTC
// day of now.
func (r *Record) Ready(now time.Time) bool {
	if r.class == ClassUnknown || !r.hasCode || !r.hasSignal {
		return false
	}
	return beacon.SameDay(r.codeUpdatedAt, now)
}

// Expired reports whether the record has been quiet for longer than threshold
func (r *Record) Expired(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.lastUpdatedAt) > threshold
}

// Snapshot is a copy of a record safe to hand out of the control queue
type Snapshot struct {
	Handle         string     `json:"handle"`
	Class          string     `json:"class"`
	Code           *int64     `json:"code,omitempty"`
	Signal         *int       `json:"signal,omitempty"`
	Characteristic *uuid.UUID `json:"characteristic,omitempty"`
	Subscribed     bool       `json:"subscribed"`
	Ready          bool       `json:"ready"`
	CodeUpdatedAt  *time.Time `json:"codeUpdatedAt,omitempty"`
	LastUpdatedAt  time.Time  `json:"lastUpdatedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	Liveness       Stats      `json:"liveness"`
}

// Snapshot copies the record as of now
func (r *Record) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		Handle:        r.handle,
		Class:         r.class.String(),
		Subscribed:    r.subscription != uuid.Nil,
		Ready:         r.Ready(now),
		LastUpdatedAt: r.lastUpdatedAt,
		CreatedAt:     r.createdAt,
		Liveness:      r.liveness.Stats(),
	}
	if r.hasCode {
		code := int64(r.code)
		s.Code = &code
		at := r.codeUpdatedAt
		s.CodeUpdatedAt = &at
	}
	if r.hasSignal {
		sig := int(r.signal)
		s.Signal = &sig
	}
	if r.characteristic != uuid.Nil {
		c := r.characteristic
		s.Characteristic = &c
	}
	return s
}
