package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/proximity-beacon/beacon-engine/internal/peer"
	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// Scanner drives the central role: it discovers peers, identifies their
// beacon code and class, keeps notify-capable peers connected and reports
// detections. All methods must run on the control queue.
type Scanner struct {
	central   radio.Central
	profile   beacon.Profile
	scheduler *Scheduler
	observers *observers
	expiry    time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	started bool
	peers   map[string]*peer.Record
	// woken holds peers sent a wake since the current pass began
	woken map[string]bool
}

func newScanner(central radio.Central, profile beacon.Profile, scheduler *Scheduler, obs *observers,
	expiry time.Duration, now func() time.Time, logger zerolog.Logger) *Scanner {
	if expiry <= 0 {
		expiry = peer.DefaultExpiry
	}
	return &Scanner{
		central:   central,
		profile:   profile,
		scheduler: scheduler,
		observers: obs,
		expiry:    expiry,
		now:       now,
		logger:    logger.With().Str("component", "scanner").Logger(),
		peers:     make(map[string]*peer.Record),
		woken:     make(map[string]bool),
	}
}

// Start begins scanning. Calling it again while started is a no-op.
func (s *Scanner) Start(source string) {
	if s.started {
		s.logger.Debug().Str("source", source).Msg("Scanner already started")
		return
	}
	s.started = true
	s.logger.Info().Str("source", source).Msg("Scanner started")
	s.Scan(source)
}

// Stop cancels the schedule, stops discovery and drops every connection.
// The peer table is kept.
func (s *Scanner) Stop(source string) {
	if !s.started {
		s.logger.Debug().Str("source", source).Msg("Scanner already stopped")
		return
	}
	s.started = false
	s.scheduler.Cancel()

	if s.central.IsScanning() {
		s.central.StopScan()
	}
	for _, h := range s.connectedHandles() {
		s.disconnect(h, "stop")
	}
	s.logger.Info().Str("source", source).Msg("Scanner stopped")
}

// Scan runs one full pass over discovery, stray connections, expiry and the
// per-class handling of every tracked peer. It is safe to call at any time;
// with the radio off it only logs.
func (s *Scanner) Scan(source string) {
	if !s.started {
		s.logger.Debug().Str("source", source).Msg("Scan skipped, scanner not started")
		return
	}
	if state := s.central.State(); state != radio.StatePoweredOn {
		s.logger.Warn().
			Err(ErrRadioUnavailable).
			Str("source", source).
			Str("state", state.String()).
			Msg("Scan skipped")
		return
	}

	s.logger.Debug().Str("source", source).Int("peers", len(s.peers)).Msg("Scan")

	s.woken = make(map[string]bool)
	s.central.Scan(s.profile.ServiceUUID)
	s.dropUntracked()
	s.evictExpired()

	for _, h := range s.handles() {
		r := s.peers[h]
		switch r.Class() {
		case peer.ClassUnknown:
			s.connect(h, "scan")
		case peer.NotifyCapable:
			if s.central.PeerState(h) == radio.PeerConnected {
				s.wake(r, "scan")
			} else {
				s.connect(h, "scan")
			}
		case peer.WriteOnly:
			// read once per encounter; rediscovery brings it back
		}
	}

	s.observers.peersTracked(len(s.peers))
	s.scheduler.Arm()
}

// Peers returns a snapshot of the table ordered by handle
func (s *Scanner) Peers() []peer.Snapshot {
	now := s.now()
	out := make([]peer.Snapshot, 0, len(s.peers))
	for _, h := range s.handles() {
		out = append(out, s.peers[h].Snapshot(now))
	}
	return out
}

// Started reports whether the scanner is running
func (s *Scanner) Started() bool {
	return s.started
}

// dropUntracked disconnects peers the radio holds on our service without a
// table entry, e.g. connections restored by the platform.
func (s *Scanner) dropUntracked() {
	for _, h := range s.central.ConnectedPeers(s.profile.ServiceUUID) {
		if _, ok := s.peers[h]; !ok {
			s.disconnect(h, "untracked")
		}
	}
}

func (s *Scanner) evictExpired() {
	now := s.now()
	for _, h := range s.handles() {
		r := s.peers[h]
		if !r.Expired(now, s.expiry) {
			continue
		}
		s.logger.Debug().
			Str("peer", h).
			Time("at", r.LastUpdatedAt()).
			Msg("Peer expired")
		s.disconnect(h, "expired")
		delete(s.peers, h)
	}
}

func (s *Scanner) handleStateChanged(state radio.State) {
	s.logger.Info().Str("state", state.String()).Msg("Central state changed")
	if state == radio.StatePoweredOn {
		s.Scan("stateChanged")
	}
}

func (s *Scanner) handleDiscovered(h string, rssi beacon.SignalStrength) {
	if !s.active() {
		s.logger.Debug().Str("peer", h).Msg("Discovery ignored, not scanning")
		return
	}

	now := s.now()
	r := s.record(h, now)
	if rssi.Plausible() {
		r.SetSignal(rssi, now)
	} else {
		s.logger.Debug().Str("peer", h).Int("rssi", int(rssi)).Msg("Implausible signal ignored")
		r.Touch(now)
	}

	if r.Ready(now) {
		s.notifyDetection(r, "discovered")
		if r.Class() == peer.NotifyCapable && !s.woken[h] {
			s.wake(r, "discovered")
		}
	} else {
		s.connect(h, "discovered")
	}
	s.scheduler.Arm()
}

func (s *Scanner) handleConnected(h string) {
	if s.late(h, "connected") {
		return
	}
	r, ok := s.peers[h]
	if !ok {
		s.logger.Debug().Str("peer", h).Msg("Connected to untracked peer")
		s.disconnect(h, "untracked")
		return
	}

	now := s.now()
	r.Touch(now)
	if r.Ready(now) {
		s.logger.Debug().Str("peer", h).Str("step", "readSignal").Msg("Connected")
		s.central.ReadSignal(h)
	} else {
		s.logger.Debug().Str("peer", h).Str("step", "identify").Msg("Connected")
		s.central.DiscoverServices(h, s.profile.ServiceUUID)
	}
}

func (s *Scanner) handleConnectFailed(h string, err error) {
	if radio.IsPermanent(err) {
		s.logger.Warn().Err(err).Str("peer", h).Msg("Peer invalid, dropping record")
		delete(s.peers, h)
		return
	}

	if _, ok := s.peers[h]; !ok {
		return
	}
	s.logger.Debug().Err(err).Str("peer", h).Msg("Connect failed, retrying")
	s.connect(h, "connectFailed")
}

func (s *Scanner) handleDisconnected(h string, err error) {
	r, ok := s.peers[h]
	if !ok {
		return
	}

	s.logger.Debug().Err(err).Str("peer", h).Msg("Disconnected")
	r.SetSubscription(uuid.Nil, s.now())
	if r.Class() == peer.NotifyCapable {
		s.connect(h, "disconnected")
	}
}

func (s *Scanner) handleIdentified(h string, chars []radio.Characteristic, err error) {
	if s.late(h, "identified") {
		return
	}
	r, ok := s.peers[h]
	if !ok {
		s.disconnect(h, "untracked")
		return
	}
	defer s.scheduler.Arm()

	if err != nil {
		s.logger.Debug().Err(err).Str("peer", h).Str("step", "identify").Msg("Identification failed")
		s.disconnect(h, "identifyFailed")
		return
	}

	char, code, found := s.beaconCharacteristic(chars)
	if !found {
		s.logger.Debug().Err(ErrProtocolMismatch).Str("peer", h).Msg("Identification failed")
		s.disconnect(h, "protocolMismatch")
		return
	}

	now := s.now()
	class := peer.ClassFromCapability(char.Notify)
	r.SetClass(class, now)
	r.SetCode(code, now)
	r.SetCharacteristic(char.UUID, now)

	if sub, ok := r.Subscription(); ok && sub != char.UUID {
		s.central.Unsubscribe(h, sub)
		r.SetSubscription(uuid.Nil, now)
	}
	if class == peer.NotifyCapable {
		if _, ok := r.Subscription(); !ok {
			s.central.Subscribe(h, char.UUID)
			r.SetSubscription(char.UUID, now)
		}
	}

	s.logger.Debug().
		Str("peer", h).
		Str("class", class.String()).
		Str("code", code.String()).
		Msg("Identified")

	detected := s.notifyDetection(r, "identified")

	switch class {
	case peer.NotifyCapable:
		s.wake(r, "identified")
	case peer.WriteOnly:
		if detected {
			s.disconnect(h, "served")
		} else {
			s.central.ReadSignal(h)
		}
	}
}

func (s *Scanner) handleSignalRead(h string, rssi beacon.SignalStrength, err error) {
	if s.late(h, "signalRead") {
		return
	}
	r, ok := s.peers[h]
	if !ok {
		return
	}
	defer s.scheduler.Arm()

	if err != nil {
		s.logger.Debug().Err(err).Str("peer", h).Str("step", "readSignal").Msg("Signal read failed")
		return
	}

	now := s.now()
	if rssi.Plausible() {
		r.SetSignal(rssi, now)
	} else {
		r.Touch(now)
	}

	if !r.Ready(now) {
		s.central.DiscoverServices(h, s.profile.ServiceUUID)
		return
	}
	s.notifyDetection(r, "signalRead")
	if r.Class() == peer.WriteOnly {
		s.disconnect(h, "served")
	}
}

func (s *Scanner) handleWakeReceived(h string) {
	if s.late(h, "wakeReceived") {
		return
	}
	r, ok := s.peers[h]
	if !ok {
		return
	}
	r.Touch(s.now())
	s.central.ReadSignal(h)
}

func (s *Scanner) handleServicesInvalidated(h string) {
	if !s.active() {
		s.logger.Debug().Str("peer", h).Msg("Services invalidated after stop, ignored")
		return
	}
	r, ok := s.peers[h]
	if !ok {
		return
	}

	s.logger.Debug().Str("peer", h).Msg("Services invalidated")
	r.ClearCode(s.now())
	if s.central.PeerState(h) == radio.PeerConnected {
		s.central.DiscoverServices(h, s.profile.ServiceUUID)
	} else {
		s.connect(h, "servicesInvalidated")
	}
}

// active reports whether the scanner may drive peers: started and discovery
// running.
func (s *Scanner) active() bool {
	return s.started && s.central.IsScanning()
}

// late releases a peer whose completion arrived after Stop. A connect still
// in flight at Stop has no link to drop yet, so it is dropped here instead.
func (s *Scanner) late(h, step string) bool {
	if s.active() {
		return false
	}
	s.logger.Debug().Str("peer", h).Str("step", step).Msg("Completion after stop")
	s.disconnect(h, "stopped")
	return true
}

// notifyDetection emits the record's observation and consumes its signal, so
// the same reading is never reported twice.
func (s *Scanner) notifyDetection(r *peer.Record, step string) bool {
	now := s.now()
	if !r.Ready(now) {
		return false
	}
	code, _ := r.Code()
	rssi, _ := r.Signal()

	s.logger.Info().
		Str("peer", r.Handle()).
		Str("step", step).
		Str("code", code.String()).
		Int("rssi", int(rssi)).
		Msg("Detected")
	s.observers.detected(code, rssi)
	r.InvalidateSignal(now)
	return true
}

// connect is refused while discovery is off so that a stopped engine does
// not keep reconnecting peers.
func (s *Scanner) connect(h, step string) {
	if !s.central.IsScanning() {
		s.logger.Debug().Str("peer", h).Str("step", step).Msg("Connect refused, not scanning")
		return
	}
	s.scheduler.Arm()
	s.central.Connect(h)
}

func (s *Scanner) disconnect(h, step string) {
	s.logger.Debug().Str("peer", h).Str("step", step).Msg("Disconnect")
	s.central.Disconnect(h)
}

func (s *Scanner) wake(r *peer.Record, step string) {
	char, ok := r.Characteristic()
	if !ok {
		s.logger.Debug().Str("peer", r.Handle()).Str("step", step).Msg("Wake skipped, not identified")
		return
	}
	s.woken[r.Handle()] = true
	s.central.Wake(r.Handle(), char)
}

func (s *Scanner) record(h string, now time.Time) *peer.Record {
	r, ok := s.peers[h]
	if !ok {
		r = peer.New(h, now)
		s.peers[h] = r
		s.logger.Debug().Str("peer", h).Msg("New peer")
	}
	return r
}

// beaconCharacteristic picks the peer's current beacon characteristic.
// Peers that cannot drop GATT services keep every earlier day's
// characteristic registered ahead of today's, so the last match wins.
func (s *Scanner) beaconCharacteristic(chars []radio.Characteristic) (radio.Characteristic, beacon.Code, bool) {
	var (
		best  radio.Characteristic
		code  beacon.Code
		found bool
	)
	for _, c := range chars {
		if decoded, ok := s.profile.DecodeCharacteristic(c.UUID); ok {
			best, code, found = c, decoded, true
		}
	}
	return best, code, found
}

// connectedHandles merges the radio's view of connected peers with tracked
// peers it reports as connected.
func (s *Scanner) connectedHandles() []string {
	seen := make(map[string]struct{})
	for _, h := range s.central.ConnectedPeers(s.profile.ServiceUUID) {
		seen[h] = struct{}{}
	}
	for h := range s.peers {
		if st := s.central.PeerState(h); st == radio.PeerConnected || st == radio.PeerConnecting {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (s *Scanner) handles() []string {
	out := make([]string, 0, len(s.peers))
	for h := range s.peers {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
