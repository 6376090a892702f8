package engine

import (
	"sync"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// Observer receives detection and radio state events. Calls are made on the
// control queue and must return quickly.
type Observer interface {
	// Detected is delivered at least once per qualifying observation;
	// repeats across discovery ticks are expected.
	Detected(code beacon.Code, rssi beacon.SignalStrength)
	RadioStateChanged(state radio.State)
}

// PeerWriteObserver is optionally implemented by observers interested in
// payloads pushed by write-only peers to the local advertiser.
type PeerWriteObserver interface {
	PeerWrote(central string, size int)
}

// PeerCountObserver is optionally implemented by observers tracking the
// size of the peer table.
type PeerCountObserver interface {
	PeersTracked(n int)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped
type ObserverFuncs struct {
	OnDetect            func(code beacon.Code, rssi beacon.SignalStrength)
	OnRadioStateChanged func(state radio.State)
}

// Detected implements Observer
func (f ObserverFuncs) Detected(code beacon.Code, rssi beacon.SignalStrength) {
	if f.OnDetect != nil {
		f.OnDetect(code, rssi)
	}
}

// RadioStateChanged implements Observer
func (f ObserverFuncs) RadioStateChanged(state radio.State) {
	if f.OnRadioStateChanged != nil {
		f.OnRadioStateChanged(state)
	}
}

// observers is the ordered list events are broadcast to
type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

func (o *observers) snapshot() []Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Observer, len(o.list))
	copy(out, o.list)
	return out
}

func (o *observers) detected(code beacon.Code, rssi beacon.SignalStrength) {
	for _, obs := range o.snapshot() {
		obs.Detected(code, rssi)
	}
}

func (o *observers) radioStateChanged(state radio.State) {
	for _, obs := range o.snapshot() {
		obs.RadioStateChanged(state)
	}
}

func (o *observers) peerWrote(central string, size int) {
	for _, obs := range o.snapshot() {
		if w, ok := obs.(PeerWriteObserver); ok {
			w.PeerWrote(central, size)
		}
	}
}

func (o *observers) peersTracked(n int) {
	for _, obs := range o.snapshot() {
		if c, ok := obs.(PeerCountObserver); ok {
			c.PeersTracked(n)
		}
	}
}
