package ble

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
)

// Peripheral implements radio.Peripheral.
//
// Services cannot be removed once registered, so every characteristic ever
// advertised stays in the GATT table; only the advertisement moves to the
// newest one.
type Peripheral struct {
	a *Adapter

	mu          sync.Mutex
	h           radio.PeripheralHandler
	advertising bool
	current     uuid.UUID
	chars       map[uuid.UUID]*bluetooth.Characteristic
	remotes     map[string]bool
}

func newPeripheral(a *Adapter) *Peripheral {
	return &Peripheral{
		a:       a,
		chars:   make(map[uuid.UUID]*bluetooth.Characteristic),
		remotes: make(map[string]bool),
	}
}

func (p *Peripheral) SetHandler(h radio.PeripheralHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.h = h
}

func (p *Peripheral) handler() radio.PeripheralHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.h
}

func (p *Peripheral) State() radio.State { return p.a.State() }

func (p *Peripheral) IsAdvertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

func (p *Peripheral) Advertise(service uuid.UUID, char radio.Characteristic) {
	if err := p.register(service, char); err != nil {
		p.a.logger.Error().Err(err).Str("characteristic", char.UUID.String()).Msg("Register service failed")
		return
	}

	adv := p.a.adapter.DefaultAdvertisement()
	_ = adv.Stop()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.a.opts.LocalName,
		ServiceUUIDs: []bluetooth.UUID{toBluetoothUUID(service)},
	})
	if err == nil {
		err = adv.Start()
	}
	if err != nil {
		p.a.logger.Error().Err(err).Msg("Start advertising failed")
		return
	}

	p.mu.Lock()
	p.advertising = true
	p.current = char.UUID
	p.mu.Unlock()
}

func (p *Peripheral) register(service uuid.UUID, char radio.Characteristic) error {
	p.mu.Lock()
	_, exists := p.chars[char.UUID]
	p.mu.Unlock()
	if exists {
		return nil
	}

	var flags bluetooth.CharacteristicPermissions = bluetooth.CharacteristicReadPermission
	if char.Notify {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if char.Write {
		flags |= bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
	}

	handle := new(bluetooth.Characteristic)
	charID := char.UUID
	err := p.a.adapter.AddService(&bluetooth.Service{
		UUID: toBluetoothUUID(service),
		Characteristics: []bluetooth.CharacteristicConfig{{
			Handle: handle,
			UUID:   toBluetoothUUID(charID),
			Flags:  flags,
			WriteEvent: func(client bluetooth.Connection, _ int, value []byte) {
				if h := p.handler(); h != nil {
					buf := append([]byte(nil), value...)
					h.WriteReceived(fmt.Sprintf("connection-%d", client), charID, buf)
				}
			},
		}},
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.chars[charID] = handle
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) StopAdvertising() {
	p.mu.Lock()
	was := p.advertising
	p.advertising = false
	p.mu.Unlock()

	if !was {
		return
	}
	if err := p.a.adapter.DefaultAdvertisement().Stop(); err != nil {
		p.a.logger.Debug().Err(err).Msg("Stop advertising")
	}
}

// Notify writes value to the local characteristic, which the stack relays
// to subscribed centrals. Centrals that subscribed before a rotation stay on
// an earlier day's characteristic, so every retained one is written too.
func (p *Peripheral) Notify(char uuid.UUID, value []byte) bool {
	p.mu.Lock()
	_, ok := p.chars[char]
	targets := p.notifyTargets(char)
	p.mu.Unlock()
	if !ok {
		return false
	}

	sent := false
	for _, id := range targets {
		handle := p.lookup(id)
		if handle == nil {
			continue
		}
		if _, err := handle.Write(value); err != nil {
			p.a.logger.Debug().Err(err).Str("characteristic", id.String()).Msg("Notify failed")
			continue
		}
		sent = true
	}
	return sent
}

// notifyTargets lists char first, then every other retained characteristic
// in a stable order. Caller holds p.mu.
func (p *Peripheral) notifyTargets(char uuid.UUID) []uuid.UUID {
	out := []uuid.UUID{char}
	rest := make([]uuid.UUID, 0, len(p.chars))
	for id := range p.chars {
		if id != char {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].String() < rest[j].String() })
	return append(out, rest...)
}

func (p *Peripheral) lookup(id uuid.UUID) *bluetooth.Characteristic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chars[id]
}

// remoteLink treats a remote central's connection as a subscription to the
// current characteristic; the library reports no CCCD writes.
func (p *Peripheral) remoteLink(central string, connected bool) {
	p.mu.Lock()
	h := p.h
	char := p.current
	was := p.remotes[central]
	if connected {
		p.remotes[central] = true
	} else {
		delete(p.remotes, central)
	}
	p.mu.Unlock()

	if h == nil || char == uuid.Nil {
		return
	}
	switch {
	case connected && !was:
		h.Subscribed(central, char)
	case !connected && was:
		h.Unsubscribed(central, char)
	}
}
