package engine

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

var noon = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

// fakeCentral records every request as "verb handle"
type fakeCentral struct {
	mu        sync.Mutex
	handler   radio.CentralHandler
	state     radio.State
	scanning  bool
	connected map[string]bool
	calls     []string
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{state: radio.StatePoweredOn, connected: make(map[string]bool)}
}

func (f *fakeCentral) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeCentral) SetHandler(h radio.CentralHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeCentral) State() radio.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCentral) IsScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *fakeCentral) Scan(uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = true
	f.record("scan")
}

func (f *fakeCentral) StopScan() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = false
	f.record("stopScan")
}

func (f *fakeCentral) ConnectedPeers(uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for h, ok := range f.connected {
		if ok {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeCentral) PeerState(h string) radio.PeerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected[h] {
		return radio.PeerConnected
	}
	return radio.PeerDisconnected
}

func (f *fakeCentral) Connect(h string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect " + h)
}

func (f *fakeCentral) Disconnect(h string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, h)
	f.record("disconnect " + h)
}

func (f *fakeCentral) DiscoverServices(h string, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("discover " + h)
}

func (f *fakeCentral) ReadSignal(h string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("readSignal " + h)
}

func (f *fakeCentral) Subscribe(h string, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("subscribe " + h)
}

func (f *fakeCentral) Unsubscribe(h string, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unsubscribe " + h)
}

func (f *fakeCentral) Wake(h string, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wake " + h)
}

func (f *fakeCentral) setConnected(h string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[h] = connected
}

func (f *fakeCentral) setState(s radio.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeCentral) setScanning(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = on
}

func (f *fakeCentral) events() radio.CentralHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeCentral) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeCentral) countPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeCentral) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// fakePeripheral records advertised characteristics and notifications
type fakePeripheral struct {
	mu          sync.Mutex
	handler     radio.PeripheralHandler
	state       radio.State
	advertising bool
	advertised  []uuid.UUID
	notifies    int
	stops       int
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{state: radio.StatePoweredOn}
}

func (f *fakePeripheral) SetHandler(h radio.PeripheralHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakePeripheral) State() radio.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePeripheral) IsAdvertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising
}

func (f *fakePeripheral) Advertise(_ uuid.UUID, char radio.Characteristic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = true
	f.advertised = append(f.advertised, char.UUID)
}

func (f *fakePeripheral) StopAdvertising() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
	f.stops++
}

func (f *fakePeripheral) Notify(uuid.UUID, []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies++
	return true
}

func (f *fakePeripheral) setState(s radio.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakePeripheral) events() radio.PeripheralHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakePeripheral) advertisedChars() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.advertised...)
}

func (f *fakePeripheral) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifies
}

// clock is a settable time source safe for concurrent use
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// dayCodes hands out the day number as the code
var dayCodes = beacon.CodeSourceFunc(func(now time.Time) beacon.Code {
	return beacon.Code(beacon.Day(now))
})

type detection struct {
	code beacon.Code
	rssi beacon.SignalStrength
}

// recorder collects observer events
type recorder struct {
	mu         sync.Mutex
	detections []detection
	states     []radio.State
	writes     int
	tracked    int
}

func (r *recorder) Detected(code beacon.Code, rssi beacon.SignalStrength) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, detection{code, rssi})
}

func (r *recorder) RadioStateChanged(state radio.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) PeerWrote(string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
}

func (r *recorder) PeersTracked(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = n
}

func (r *recorder) snapshot() ([]detection, []radio.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]detection(nil), r.detections...), append([]radio.State(nil), r.states...)
}
