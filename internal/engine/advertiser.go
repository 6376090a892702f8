package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// Advertiser drives the peripheral role: it publishes the service with a
// characteristic carrying today's code and wakes subscribed centrals with
// empty notifications. All methods must run on the control queue.
type Advertiser struct {
	peripheral radio.Peripheral
	codes      beacon.CodeSource
	profile    beacon.Profile
	observers  *observers
	now        func() time.Time
	logger     zerolog.Logger

	started     bool
	published   bool
	code        beacon.Code
	char        uuid.UUID
	subscribers map[string]uuid.UUID
}

func newAdvertiser(peripheral radio.Peripheral, codes beacon.CodeSource, profile beacon.Profile, obs *observers,
	now func() time.Time, logger zerolog.Logger) *Advertiser {
	return &Advertiser{
		peripheral:  peripheral,
		codes:       codes,
		profile:     profile,
		observers:   obs,
		now:         now,
		logger:      logger.With().Str("component", "advertiser").Logger(),
		subscribers: make(map[string]uuid.UUID),
	}
}

// Start publishes the service. Calling it again while started is a no-op.
func (a *Advertiser) Start(source string) {
	if a.started {
		a.logger.Debug().Str("source", source).Msg("Advertiser already started")
		return
	}
	a.started = true
	a.publish(source)
}

// Stop withdraws the service
func (a *Advertiser) Stop(source string) {
	if !a.started {
		a.logger.Debug().Str("source", source).Msg("Advertiser already stopped")
		return
	}
	a.started = false
	a.published = false
	a.subscribers = make(map[string]uuid.UUID)
	a.peripheral.StopAdvertising()
	a.logger.Info().Str("source", source).Msg("Advertiser stopped")
}

// Refresh republishes when the code has rotated since the last publish, or
// when a previous publish was skipped.
func (a *Advertiser) Refresh(source string) {
	if !a.started {
		return
	}
	if a.published && a.codes.Current(a.now()) == a.code {
		return
	}
	a.publish(source)
}

// Code returns the published code
func (a *Advertiser) Code() (beacon.Code, bool) {
	return a.code, a.published
}

// Subscribers returns the number of centrals subscribed to the characteristic
func (a *Advertiser) Subscribers() int {
	return len(a.subscribers)
}

func (a *Advertiser) publish(source string) {
	if state := a.peripheral.State(); state != radio.StatePoweredOn {
		a.logger.Debug().
			Str("source", source).
			Str("state", state.String()).
			Msg("Advertise deferred until powered on")
		a.published = false
		return
	}

	code := a.codes.Current(a.now())
	char := a.profile.CharacteristicUUID(code)
	a.peripheral.Advertise(a.profile.ServiceUUID, radio.Characteristic{
		UUID:   char,
		Notify: true,
		Write:  true,
	})
	a.code = code
	a.char = char
	a.published = true
	a.subscribers = make(map[string]uuid.UUID)

	a.logger.Info().
		Str("source", source).
		Str("code", code.String()).
		Str("characteristic", char.String()).
		Msg("Advertising")
}

func (a *Advertiser) handleStateChanged(state radio.State) {
	a.logger.Info().Str("state", state.String()).Msg("Peripheral state changed")
	if state != radio.StatePoweredOn {
		a.published = false
		return
	}
	if a.started {
		a.publish("stateChanged")
	}
}

func (a *Advertiser) handleSubscribed(central string, char uuid.UUID) {
	a.subscribers[central] = char
	a.logger.Debug().Str("peer", central).Msg("Central subscribed")
	a.wake()
}

func (a *Advertiser) handleUnsubscribed(central string, _ uuid.UUID) {
	delete(a.subscribers, central)
	a.logger.Debug().Str("peer", central).Msg("Central unsubscribed")
}

func (a *Advertiser) handleWriteReceived(central string, _ uuid.UUID, value []byte) {
	a.logger.Debug().Str("peer", central).Int("bytes", len(value)).Msg("Write received")
	a.observers.peerWrote(central, len(value))
}

func (a *Advertiser) handleReadyToUpdate() {
	a.wake()
}

// wake sends an empty notification to every subscribed central
func (a *Advertiser) wake() {
	if !a.published || len(a.subscribers) == 0 {
		return
	}
	if !a.peripheral.Notify(a.char, []byte{}) {
		a.logger.Debug().Msg("Notify queue full, waiting for ready")
	}
}
