// Package ble implements the radio roles on top of tinygo.org/x/bluetooth.
//
// The library exposes blocking calls and no power-state notifications, so
// every request runs on its own goroutine and reports back through the
// engine's handlers, and the adapter is considered powered on once Enable
// succeeds.
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
)

// Options configures the adapter
type Options struct {
	// LocalName is advertised alongside the service UUID
	LocalName string
	// NotifyInterval paces the synthesized ReadyToUpdate events
	NotifyInterval time.Duration
	// DiscoveryInterval throttles repeated scan reports per peer
	DiscoveryInterval time.Duration
}

// Adapter shares one Bluetooth controller between the central and
// peripheral roles.
type Adapter struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	state    radio.State
	central  *Central
	periph   *Peripheral
	enabled  bool
	lastSeen map[string]time.Time
	// nextSweep is when lastSeen is next trimmed of lapsed entries
	nextSweep time.Time
}

// New enables the default adapter. A failure leaves the adapter in the
// unsupported state; callers may still wire it so that the engine reports
// the radio as unavailable.
func New(opts Options) (*Adapter, error) {
	if opts.NotifyInterval <= 0 {
		opts.NotifyInterval = 5 * time.Second
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = time.Second
	}

	a := &Adapter{
		adapter:  bluetooth.DefaultAdapter,
		opts:     opts,
		logger:   log.With().Str("module", "ble").Logger(),
		state:    radio.StateUnknown,
		lastSeen: make(map[string]time.Time),
	}
	a.central = newCentral(a)
	a.periph = newPeripheral(a)

	if err := a.adapter.Enable(); err != nil {
		a.state = radio.StateUnsupported
		return a, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	a.enabled = true
	a.state = radio.StatePoweredOn
	a.adapter.SetConnectHandler(a.onConnectEvent)

	a.logger.Info().Msg("Bluetooth adapter enabled")
	return a, nil
}

// Central returns the scanning role
func (a *Adapter) Central() *Central { return a.central }

// Peripheral returns the advertising role
func (a *Adapter) Peripheral() *Peripheral { return a.periph }

// Run reports the initial power state to both roles and paces
// ReadyToUpdate events until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	state := a.State()
	if h := a.central.handler(); h != nil {
		h.StateChanged(state)
	}
	if h := a.periph.handler(); h != nil {
		h.StateChanged(state)
	}

	ticker := time.NewTicker(a.opts.NotifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.central.StopScan()
			a.periph.StopAdvertising()
			return nil
		case <-ticker.C:
			if h := a.periph.handler(); h != nil && a.periph.IsAdvertising() {
				h.ReadyToUpdate()
			}
		}
	}
}

// State returns the adapter power state
func (a *Adapter) State() radio.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// shouldReport throttles repeated scan results for one peer. Entries older
// than the interval no longer throttle anything and are swept periodically,
// since peers rotate their addresses.
func (a *Adapter) shouldReport(handle string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !now.Before(a.nextSweep) {
		for h, last := range a.lastSeen {
			if now.Sub(last) >= a.opts.DiscoveryInterval {
				delete(a.lastSeen, h)
			}
		}
		a.nextSweep = now.Add(a.opts.DiscoveryInterval)
	}

	if last, ok := a.lastSeen[handle]; ok && now.Sub(last) < a.opts.DiscoveryInterval {
		return false
	}
	a.lastSeen[handle] = now
	return true
}

// onConnectEvent routes link events: addresses the central holds a link to
// belong to it, everything else is a remote central connecting to the
// local peripheral.
func (a *Adapter) onConnectEvent(device bluetooth.Device, connected bool) {
	handle := device.Address.String()
	if a.central.owns(handle) {
		if !connected {
			a.central.linkLost(handle)
		}
		return
	}
	a.periph.remoteLink(handle, connected)
}

func toBluetoothUUID(u uuid.UUID) bluetooth.UUID {
	b, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		// uuid.UUID always renders in canonical form
		panic(err)
	}
	return b
}

func fromBluetoothUUID(b bluetooth.UUID) uuid.UUID {
	u, err := uuid.Parse(b.String())
	if err != nil {
		return uuid.Nil
	}
	return u
}
