package ble

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

var errNoSignal = errors.New("no signal reading for peer")

type link struct {
	device    bluetooth.Device
	chars     map[uuid.UUID]bluetooth.DeviceCharacteristic
	notifying map[uuid.UUID]bool
}

// Central implements radio.Central
type Central struct {
	a *Adapter

	mu       sync.Mutex
	h        radio.CentralHandler
	scanning bool
	scanGen  uint64
	addrs    map[string]bluetooth.Address
	rssi     map[string]beacon.SignalStrength
	states   map[string]radio.PeerState
	links    map[string]*link
}

func newCentral(a *Adapter) *Central {
	return &Central{
		a:      a,
		addrs:  make(map[string]bluetooth.Address),
		rssi:   make(map[string]beacon.SignalStrength),
		states: make(map[string]radio.PeerState),
		links:  make(map[string]*link),
	}
}

func (c *Central) SetHandler(h radio.CentralHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.h = h
}

func (c *Central) handler() radio.CentralHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *Central) State() radio.State { return c.a.State() }

func (c *Central) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// Scan starts a background scan filtered on service. A scan already in
// progress is left running.
func (c *Central) Scan(service uuid.UUID) {
	gen, ok := c.beginScan()
	if !ok {
		return
	}

	filter := toBluetoothUUID(service)
	go func() {
		err := c.a.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !res.HasServiceUUID(filter) {
				return
			}
			c.discovered(res)
		})

		c.endScan(gen)
		if err != nil {
			c.a.logger.Warn().Err(err).Msg("Scan ended")
		}
	}()
}

// beginScan marks a scan as running and returns its generation
func (c *Central) beginScan() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanning {
		return 0, false
	}
	c.scanGen++
	c.scanning = true
	return c.scanGen, true
}

// endScan clears the scanning flag unless a newer scan has started since
// gen began.
func (c *Central) endScan(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanGen == gen {
		c.scanning = false
	}
}

// markStopped clears the scanning flag and reports whether a scan was running
func (c *Central) markStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.scanning
	c.scanning = false
	return was
}

func (c *Central) discovered(res bluetooth.ScanResult) {
	handle := res.Address.String()
	rssi := beacon.SignalStrength(res.RSSI)

	c.mu.Lock()
	c.addrs[handle] = res.Address
	c.rssi[handle] = rssi
	h := c.h
	c.mu.Unlock()

	if h != nil && c.a.shouldReport(handle, time.Now()) {
		h.Discovered(handle, rssi)
	}
}

func (c *Central) StopScan() {
	if !c.markStopped() {
		return
	}
	if err := c.a.adapter.StopScan(); err != nil {
		c.a.logger.Debug().Err(err).Msg("Stop scan")
	}
}

// ConnectedPeers lists every peer the central holds a link to. All links are
// opened for the beacon service, so service is not consulted.
func (c *Central) ConnectedPeers(uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.links))
	for h := range c.links {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (c *Central) PeerState(handle string) radio.PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[handle]
}

func (c *Central) owns(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.links[handle]
	return ok
}

func (c *Central) Connect(handle string) {
	c.mu.Lock()
	addr, known := c.addrs[handle]
	state := c.states[handle]
	h := c.h
	if known && state == radio.PeerDisconnected {
		c.states[handle] = radio.PeerConnecting
	}
	c.mu.Unlock()

	if h == nil {
		return
	}
	if !known {
		go h.ConnectFailed(handle, radio.ErrPeerInvalid)
		return
	}

	switch state {
	case radio.PeerConnecting, radio.PeerDisconnecting:
		return
	case radio.PeerConnected:
		go h.Connected(handle)
		return
	}

	go func() {
		device, err := c.a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		c.mu.Lock()
		if err != nil {
			c.states[handle] = radio.PeerDisconnected
			c.mu.Unlock()
			h.ConnectFailed(handle, err)
			return
		}
		c.states[handle] = radio.PeerConnected
		c.links[handle] = &link{
			device:    device,
			chars:     make(map[uuid.UUID]bluetooth.DeviceCharacteristic),
			notifying: make(map[uuid.UUID]bool),
		}
		c.mu.Unlock()
		h.Connected(handle)
	}()
}

func (c *Central) Disconnect(handle string) {
	c.mu.Lock()
	l, ok := c.links[handle]
	delete(c.links, handle)
	if ok {
		c.states[handle] = radio.PeerDisconnected
	}
	h := c.h
	c.mu.Unlock()

	if !ok {
		return
	}
	go func() {
		err := l.device.Disconnect()
		if h != nil {
			h.Disconnected(handle, err)
		}
	}()
}

// linkLost handles a link dropped by the remote or the controller
func (c *Central) linkLost(handle string) {
	c.mu.Lock()
	_, ok := c.links[handle]
	delete(c.links, handle)
	c.states[handle] = radio.PeerDisconnected
	h := c.h
	c.mu.Unlock()

	if ok && h != nil {
		h.Disconnected(handle, nil)
	}
}

// DiscoverServices enumerates the characteristics of service. The library
// does not expose characteristic properties, so notify support is probed by
// enabling notifications; a successful probe leaves the subscription open.
func (c *Central) DiscoverServices(handle string, service uuid.UUID) {
	c.mu.Lock()
	l, ok := c.links[handle]
	h := c.h
	c.mu.Unlock()

	if h == nil {
		return
	}
	if !ok {
		go h.Identified(handle, nil, radio.ErrNotConnected)
		return
	}

	go func() {
		services, err := l.device.DiscoverServices([]bluetooth.UUID{toBluetoothUUID(service)})
		if err != nil {
			h.Identified(handle, nil, err)
			return
		}

		var found []radio.Characteristic
		for _, svc := range services {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				h.Identified(handle, nil, err)
				return
			}
			for _, ch := range chars {
				id := fromBluetoothUUID(ch.UUID())
				notify := ch.EnableNotifications(c.wakeCallback(handle)) == nil

				c.mu.Lock()
				l.chars[id] = ch
				l.notifying[id] = notify
				c.mu.Unlock()

				found = append(found, radio.Characteristic{UUID: id, Notify: notify, Write: true})
			}
		}
		h.Identified(handle, found, nil)
	}()
}

func (c *Central) wakeCallback(handle string) func([]byte) {
	return func([]byte) {
		if h := c.handler(); h != nil {
			h.WakeReceived(handle)
		}
	}
}

// ReadSignal answers with the strength of the latest advertisement; the
// library cannot sample a live connection.
func (c *Central) ReadSignal(handle string) {
	c.mu.Lock()
	rssi, ok := c.rssi[handle]
	h := c.h
	c.mu.Unlock()

	if h == nil {
		return
	}
	if !ok {
		go h.SignalRead(handle, 0, errNoSignal)
		return
	}
	go h.SignalRead(handle, rssi, nil)
}

func (c *Central) Subscribe(handle string, char uuid.UUID) {
	ch, notifying, ok := c.characteristic(handle, char)
	if !ok || notifying {
		return
	}
	go func() {
		if err := ch.EnableNotifications(c.wakeCallback(handle)); err != nil {
			c.a.logger.Debug().Err(err).Str("peer", handle).Msg("Subscribe failed")
			return
		}
		c.setNotifying(handle, char, true)
	}()
}

func (c *Central) Unsubscribe(handle string, char uuid.UUID) {
	ch, notifying, ok := c.characteristic(handle, char)
	if !ok || !notifying {
		return
	}
	c.setNotifying(handle, char, false)
	go func() {
		if err := ch.EnableNotifications(nil); err != nil {
			c.a.logger.Debug().Err(err).Str("peer", handle).Msg("Unsubscribe failed")
		}
	}()
}

func (c *Central) Wake(handle string, char uuid.UUID) {
	ch, _, ok := c.characteristic(handle, char)
	if !ok {
		return
	}
	go func() {
		if _, err := ch.WriteWithoutResponse([]byte{}); err != nil {
			c.a.logger.Debug().Err(err).Str("peer", handle).Msg("Wake write failed")
		}
	}()
}

func (c *Central) characteristic(handle string, char uuid.UUID) (bluetooth.DeviceCharacteristic, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.links[handle]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, false, false
	}
	ch, ok := l.chars[char]
	return ch, l.notifying[char], ok
}

func (c *Central) setNotifying(handle string, char uuid.UUID, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[handle]; ok {
		l.notifying[char] = on
	}
}
