package ble

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

func TestUUIDConversionRoundTrip(t *testing.T) {
	profile := beacon.DefaultProfile()

	char := profile.CharacteristicUUID(42)
	assert.Equal(t, char, fromBluetoothUUID(toBluetoothUUID(char)))
	assert.Equal(t, profile.ServiceUUID, fromBluetoothUUID(toBluetoothUUID(profile.ServiceUUID)))

	negative := profile.CharacteristicUUID(-1)
	assert.Equal(t, negative, fromBluetoothUUID(toBluetoothUUID(negative)))
}

func TestDiscoveryThrottle(t *testing.T) {
	a := &Adapter{
		opts:     Options{DiscoveryInterval: time.Second},
		lastSeen: make(map[string]time.Time),
	}
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	assert.True(t, a.shouldReport("peer-1", now))
	assert.False(t, a.shouldReport("peer-1", now.Add(500*time.Millisecond)))
	assert.True(t, a.shouldReport("peer-2", now.Add(500*time.Millisecond)))
	assert.True(t, a.shouldReport("peer-1", now.Add(time.Second)))
}

func TestDiscoveryThrottleSweepsLapsedPeers(t *testing.T) {
	a := &Adapter{
		opts:     Options{DiscoveryInterval: time.Second},
		lastSeen: make(map[string]time.Time),
	}
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	assert.True(t, a.shouldReport("peer-1", now))
	assert.True(t, a.shouldReport("peer-2", now.Add(100*time.Millisecond)))
	assert.Len(t, a.lastSeen, 2)

	assert.True(t, a.shouldReport("peer-3", now.Add(5*time.Second)))
	assert.Len(t, a.lastSeen, 1)
	assert.Contains(t, a.lastSeen, "peer-3")
}

func TestLateScanExitKeepsNewerScanRunning(t *testing.T) {
	c := newCentral(&Adapter{})

	first, ok := c.beginScan()
	require.True(t, ok)
	_, ok = c.beginScan()
	assert.False(t, ok, "a running scan is left alone")

	assert.True(t, c.markStopped())
	second, ok := c.beginScan()
	require.True(t, ok)

	// the stopped scan returns after the new one started
	c.endScan(first)
	assert.True(t, c.IsScanning())

	c.endScan(second)
	assert.False(t, c.IsScanning())
	assert.False(t, c.markStopped())
}

func TestNotifyReachesRetainedCharacteristics(t *testing.T) {
	profile := beacon.DefaultProfile()
	yesterday := profile.CharacteristicUUID(7)
	today := profile.CharacteristicUUID(9)
	older := profile.CharacteristicUUID(3)

	p := newPeripheral(&Adapter{})
	for _, id := range []uuid.UUID{yesterday, today, older} {
		p.chars[id] = new(bluetooth.Characteristic)
	}

	targets := p.notifyTargets(today)
	require.Len(t, targets, 3)
	assert.Equal(t, today, targets[0])
	assert.ElementsMatch(t, []uuid.UUID{yesterday, older}, targets[1:])
}
