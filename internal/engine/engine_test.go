package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

type engineHarness struct {
	engine     *Engine
	central    *fakeCentral
	peripheral *fakePeripheral
	clock      *clock
	rec        *recorder
	ctx        context.Context
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	h := &engineHarness{
		central:    newFakeCentral(),
		peripheral: newFakePeripheral(),
		clock:      &clock{now: noon},
		rec:        &recorder{},
	}

	cfg := DefaultConfig()
	cfg.RescanInterval = time.Hour
	e, err := New(cfg, h.central, h.peripheral, dayCodes, WithClock(h.clock.Now), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	e.RegisterObserver(h.rec)
	h.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	h.ctx = ctx
	return h
}

// sync waits until every task dispatched so far has run
func (h *engineHarness) sync(t *testing.T) {
	t.Helper()
	_, err := h.engine.Status(h.ctx)
	require.NoError(t, err)
}

func TestNewRequiresRadioAndCodes(t *testing.T) {
	_, err := New(DefaultConfig(), nil, newFakePeripheral(), dayCodes)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), newFakeCentral(), newFakePeripheral(), nil)
	assert.Error(t, err)

	e, err := New(Config{}, newFakeCentral(), newFakePeripheral(), dayCodes, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.Equal(t, beacon.DefaultProfile(), e.cfg.Profile)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newEngineHarness(t)

	require.NoError(t, h.engine.Start("test"))
	require.NoError(t, h.engine.Start("test"))
	h.sync(t)

	assert.Equal(t, 1, h.central.count("scan"))
	assert.Len(t, h.peripheral.advertisedChars(), 1)
	assert.True(t, h.engine.Running())
	assert.True(t, h.engine.scheduler.Pending())
}

func TestStartAdvertisesTodaysCode(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.engine.Start("test"))

	st, err := h.engine.Status(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Code)
	assert.Equal(t, beacon.Day(noon), *st.Code)
	assert.True(t, st.Advertising)
	assert.Equal(t, "poweredOn", st.RadioState)

	chars := h.peripheral.advertisedChars()
	require.Len(t, chars, 1)
	code, ok := beacon.DefaultProfile().DecodeCharacteristic(chars[0])
	require.True(t, ok)
	assert.Equal(t, beacon.Code(beacon.Day(noon)), code)
}

func TestTriggerRepublishesRotatedCode(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.engine.Start("test"))
	h.sync(t)

	require.NoError(t, h.engine.Trigger("test"))
	h.sync(t)
	assert.Len(t, h.peripheral.advertisedChars(), 1, "same day, nothing to republish")

	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.engine.Trigger("test"))
	h.sync(t)

	chars := h.peripheral.advertisedChars()
	require.Len(t, chars, 2)
	assert.NotEqual(t, chars[0], chars[1])
	assert.Equal(t, 3, h.central.count("scan"))
}

func TestStopHaltsBothRoles(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.engine.Start("test"))
	h.central.setConnected("A", true)

	require.NoError(t, h.engine.Stop("test"))
	h.sync(t)

	assert.False(t, h.engine.Running())
	assert.False(t, h.engine.scheduler.Pending())
	assert.False(t, h.central.IsScanning())
	assert.False(t, h.peripheral.IsAdvertising())
	assert.Equal(t, 1, h.central.count("disconnect A"))

	require.NoError(t, h.engine.Start("test"))
	h.sync(t)
	assert.Equal(t, 2, h.central.count("scan"), "restart after stop")
}

func TestEventsFlowThroughQueue(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.engine.Start("test"))
	h.sync(t)

	profile := beacon.DefaultProfile()
	events := h.central.events()
	events.Discovered("A", -70)
	events.Connected("A")
	events.Identified("A", []radio.Characteristic{{UUID: profile.CharacteristicUUID(42), Notify: true}}, nil)
	h.sync(t)

	dets, _ := h.rec.snapshot()
	assert.Equal(t, []detection{{42, -70}}, dets)

	peers, err := h.engine.Peers(h.ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "A", peers[0].Handle)
	assert.Equal(t, "notifyCapable", peers[0].Class)
	assert.True(t, peers[0].Subscribed)
	assert.Nil(t, peers[0].Signal, "signal consumed by detection")
}

func TestRadioStateIsBroadcastOnce(t *testing.T) {
	h := newEngineHarness(t)

	h.central.events().StateChanged(radio.StatePoweredOff)
	h.peripheral.events().StateChanged(radio.StatePoweredOff)
	h.central.events().StateChanged(radio.StatePoweredOff)
	h.central.events().StateChanged(radio.StatePoweredOn)
	h.sync(t)

	_, states := h.rec.snapshot()
	assert.Equal(t, []radio.State{radio.StatePoweredOff, radio.StatePoweredOn}, states)
}

func TestPowerOnResumesWork(t *testing.T) {
	h := newEngineHarness(t)
	h.central.setState(radio.StatePoweredOff)
	h.peripheral.setState(radio.StatePoweredOff)

	require.NoError(t, h.engine.Start("test"))
	h.sync(t)
	assert.Zero(t, h.central.count("scan"))
	assert.Empty(t, h.peripheral.advertisedChars())

	h.central.setState(radio.StatePoweredOn)
	h.peripheral.setState(radio.StatePoweredOn)
	h.central.events().StateChanged(radio.StatePoweredOn)
	h.peripheral.events().StateChanged(radio.StatePoweredOn)
	h.sync(t)

	assert.Equal(t, 1, h.central.count("scan"))
	assert.Len(t, h.peripheral.advertisedChars(), 1)
}

func TestSubscriptionTriggersWakeNotification(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.engine.Start("test"))
	h.sync(t)

	char := h.peripheral.advertisedChars()[0]
	events := h.peripheral.events()
	events.Subscribed("central-1", char)
	events.ReadyToUpdate()
	events.WriteReceived("central-2", char, []byte{0x01})
	h.sync(t)

	assert.Equal(t, 2, h.peripheral.notifyCount())
	st, err := h.engine.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Subscribers)

	h.rec.mu.Lock()
	assert.Equal(t, 1, h.rec.writes)
	h.rec.mu.Unlock()

	events.Unsubscribed("central-1", char)
	events.ReadyToUpdate()
	h.sync(t)
	assert.Equal(t, 2, h.peripheral.notifyCount(), "no subscribers, no notification")
}

func TestObserversCalledInRegistrationOrder(t *testing.T) {
	h := newEngineHarness(t)

	var mu sync.Mutex
	var order []string
	h.engine.RegisterObserver(ObserverFuncs{OnDetect: func(beacon.Code, beacon.SignalStrength) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	}})
	h.engine.RegisterObserver(ObserverFuncs{OnDetect: func(beacon.Code, beacon.SignalStrength) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	}})

	h.engine.observers.detected(1, -50)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCallsAfterShutdownFail(t *testing.T) {
	e, err := New(DefaultConfig(), newFakeCentral(), newFakePeripheral(), dayCodes, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	assert.ErrorIs(t, e.Start("test"), ErrQueueClosed)
	assert.ErrorIs(t, e.Trigger("test"), ErrQueueClosed)
	_, err = e.Peers(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}
