// Package engine coordinates the scanner and advertiser over a single
// serialized control queue, re-arming a scan deadline whenever radio work
// completes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proximity-beacon/beacon-engine/internal/peer"
	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// Config tunes the engine
type Config struct {
	Profile         beacon.Profile
	RescanInterval  time.Duration
	ExpiryThreshold time.Duration
	QueueSize       int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Profile:         beacon.DefaultProfile(),
		RescanInterval:  DefaultRescanInterval,
		ExpiryThreshold: peer.DefaultExpiry,
		QueueSize:       256,
	}
}

// Option customises an Engine
type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger replaces the global logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Status is a point-in-time view of the engine
type Status struct {
	Running     bool   `json:"running"`
	RadioState  string `json:"radioState"`
	Scanning    bool   `json:"scanning"`
	Advertising bool   `json:"advertising"`
	Code        *int64 `json:"code,omitempty"`
	Peers       int    `json:"peers"`
	Subscribers int    `json:"subscribers"`
}

// Engine owns the peer table, both radio roles and the scan schedule.
// Public methods may be called from any goroutine; they hand work to the
// control queue drained by Run.
type Engine struct {
	cfg        Config
	central    radio.Central
	peripheral radio.Peripheral

	queue      *Queue
	scheduler  *Scheduler
	scanner    *Scanner
	advertiser *Advertiser
	observers  *observers

	now    func() time.Time
	logger zerolog.Logger

	running    atomic.Bool
	radioState radio.State
	haveState  bool
}

// New wires an engine to its radio roles and code source. The radio
// handlers are installed immediately; events are queued until Run starts.
func New(cfg Config, central radio.Central, peripheral radio.Peripheral, codes beacon.CodeSource, opts ...Option) (*Engine, error) {
	if central == nil || peripheral == nil {
		return nil, errors.New("engine: both radio roles are required")
	}
	if codes == nil {
		return nil, errors.New("engine: code source is required")
	}
	if cfg.Profile.ServiceUUID == uuid.Nil {
		cfg.Profile = beacon.DefaultProfile()
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		central:    central,
		peripheral: peripheral,
		queue:      NewQueue(cfg.QueueSize),
		observers:  &observers{},
		now:        time.Now,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("module", "engine").Logger()

	e.scheduler = NewScheduler(cfg.RescanInterval, func() {
		e.queue.Dispatch(func() { e.tick("scheduler") })
	})
	e.scanner = newScanner(central, cfg.Profile, e.scheduler, e.observers, cfg.ExpiryThreshold, e.now, e.logger)
	e.advertiser = newAdvertiser(peripheral, codes, cfg.Profile, e.observers, e.now, e.logger)

	central.SetHandler(&centralEvents{e: e})
	peripheral.SetHandler(&peripheralEvents{e: e})
	return e, nil
}

// RegisterObserver adds o to the broadcast list. Observers are called in
// registration order.
func (e *Engine) RegisterObserver(o Observer) {
	e.observers.add(o)
}

// Run drains the control queue until ctx is done, then stops both roles.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Dur("rescan", e.scheduler.Period()).Msg("Engine running")

	err := e.queue.Run(ctx)
	e.queue.Close()

	// the queue goroutine has exited, so this is the only caller left
	e.stop("shutdown")
	e.logger.Info().Msg("Engine shut down")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start begins scanning and advertising
func (e *Engine) Start(source string) error {
	if !e.queue.Dispatch(func() { e.start(source) }) {
		return ErrQueueClosed
	}
	return nil
}

// Stop halts scanning and advertising and drops all connections
func (e *Engine) Stop(source string) error {
	if !e.queue.Dispatch(func() { e.stop(source) }) {
		return ErrQueueClosed
	}
	return nil
}

// Trigger requests an immediate scan pass, e.g. on a location or app
// lifecycle event.
func (e *Engine) Trigger(source string) error {
	if !e.queue.Dispatch(func() { e.tick(source) }) {
		return ErrQueueClosed
	}
	return nil
}

// Running reports whether the engine was started
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Peers returns a snapshot of the peer table
func (e *Engine) Peers(ctx context.Context) ([]peer.Snapshot, error) {
	var out []peer.Snapshot
	err := e.queue.Call(ctx, func() { out = e.scanner.Peers() })
	return out, err
}

// Status returns the current engine status
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.queue.Call(ctx, func() {
		st = Status{
			Running:     e.running.Load(),
			RadioState:  e.central.State().String(),
			Scanning:    e.central.IsScanning(),
			Advertising: e.peripheral.IsAdvertising(),
			Peers:       len(e.scanner.peers),
			Subscribers: e.advertiser.Subscribers(),
		}
		if code, ok := e.advertiser.Code(); ok {
			c := int64(code)
			st.Code = &c
		}
	})
	return st, err
}

func (e *Engine) start(source string) {
	e.scanner.Start(source)
	e.advertiser.Start(source)
	e.running.Store(true)
}

func (e *Engine) stop(source string) {
	e.scanner.Stop(source)
	e.advertiser.Stop(source)
	e.running.Store(false)
}

func (e *Engine) tick(source string) {
	e.scanner.Scan(source)
	e.advertiser.Refresh(source)
}

// radioStateChanged forwards state to observers once per distinct value;
// both roles report the same adapter.
func (e *Engine) radioStateChanged(state radio.State) {
	if e.haveState && e.radioState == state {
		return
	}
	e.haveState = true
	e.radioState = state
	e.observers.radioStateChanged(state)
}

// centralEvents moves central callbacks onto the control queue
type centralEvents struct {
	e *Engine
}

func (c *centralEvents) StateChanged(state radio.State) {
	c.e.queue.Dispatch(func() {
		c.e.radioStateChanged(state)
		c.e.scanner.handleStateChanged(state)
	})
}

func (c *centralEvents) Discovered(h string, rssi beacon.SignalStrength) {
	c.e.queue.Dispatch(func() { c.e.scanner.handleDiscovered(h, rssi) })
}

func (c *centralEvents) Connected(h string) {
	c.e.queue.Dispatch(func() { c.e.scanner.handleConnected(h) })
}

func (c *centralEvents) ConnectFailed(h string, err error) {
	c.e.queue.Dispatch(func() { c.e.scanner.handleConnectFailed(h, err) })
}

func (c *centralEvents) Disconnected(h string, err error) {
	c.e.queue.Dispatch(func() { c.e.scanner.handleDisconnected(h, err) })
}

func (c *centralEvents) Identified(h string, chars []radio.Characteristic, err error) {
	c.e.queue.Dispatch(func() { c.e.scanner.handleIdentified(h, chars, err) })
}

func (c *centralEvents) SignalRead(h string, rssi beacon.SignalStrength, err error) {
	c.e.queue.Dispatch(func() { c.e.scanner.handleSignalRead(h, rssi, err) })
}

func (c *centralEvents) WakeReceived(h string) {
	c.e.queue.Dispatch(func() { c.e.scanner.handleWakeReceived(h) })
}

func (c *centralEvents) ServicesInvalidated(h string) {
	c.e.queue.Dispatch(func() { c.e.scanner.handleServicesInvalidated(h) })
}

// peripheralEvents moves peripheral callbacks onto the control queue
type peripheralEvents struct {
	e *Engine
}

func (p *peripheralEvents) StateChanged(state radio.State) {
	p.e.queue.Dispatch(func() {
		p.e.radioStateChanged(state)
		p.e.advertiser.handleStateChanged(state)
	})
}

func (p *peripheralEvents) Subscribed(central string, char uuid.UUID) {
	p.e.queue.Dispatch(func() { p.e.advertiser.handleSubscribed(central, char) })
}

func (p *peripheralEvents) Unsubscribed(central string, char uuid.UUID) {
	p.e.queue.Dispatch(func() { p.e.advertiser.handleUnsubscribed(central, char) })
}

func (p *peripheralEvents) WriteReceived(central string, char uuid.UUID, value []byte) {
	buf := append([]byte(nil), value...)
	p.e.queue.Dispatch(func() { p.e.advertiser.handleWriteReceived(central, char, buf) })
}

func (p *peripheralEvents) ReadyToUpdate() {
	p.e.queue.Dispatch(p.e.advertiser.handleReadyToUpdate)
}
