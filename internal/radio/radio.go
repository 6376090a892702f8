// Package radio defines the two Bluetooth LE roles the engine drives and the
// callbacks through which their asynchronous completions are reported.
//
// Every request method is fire-and-forget: it must return promptly and report
// its outcome later through the role's handler. Handlers may be invoked from
// any goroutine.
package radio

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// State is the power state of the local radio
type State int

const (
	StateUnknown State = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// PeerState is the connection state of a remote peer as seen by the central
type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnecting
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Common errors
var (
	// ErrPeerInvalid marks a peer handle the radio will never accept again.
	ErrPeerInvalid  = errors.New("device is invalid")
	ErrNotConnected = errors.New("peer not connected")
	ErrPoweredOff   = errors.New("radio not powered on")
)

// IsPermanent reports whether a connect failure means the peer handle is
// permanently invalid rather than transiently unreachable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPeerInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device is invalid") || strings.Contains(msg, "unknown device")
}

// Characteristic describes a GATT characteristic found on a peer or
// published locally.
type Characteristic struct {
	UUID   uuid.UUID
	Notify bool
	Write  bool
}

// Central is the scanning and connecting role.
type Central interface {
	SetHandler(h CentralHandler)
	State() State
	IsScanning() bool

	// Scan requests discovery of peers advertising service.
	Scan(service uuid.UUID)
	StopScan()

	// ConnectedPeers lists peers the radio holds a connection to for service,
	// including connections restored by the platform.
	ConnectedPeers(service uuid.UUID) []string
	PeerState(handle string) PeerState

	Connect(handle string)
	Disconnect(handle string)

	// DiscoverServices identifies the peer: the characteristics of service
	// are reported through CentralHandler.Identified.
	DiscoverServices(handle string, service uuid.UUID)
	ReadSignal(handle string)
	Subscribe(handle string, char uuid.UUID)
	Unsubscribe(handle string, char uuid.UUID)

	// Wake writes a content-free value to char to trigger the peer's
	// processing loop.
	Wake(handle string, char uuid.UUID)
}

// CentralHandler receives completions of Central requests.
type CentralHandler interface {
	StateChanged(state State)
	Discovered(handle string, rssi beacon.SignalStrength)
	Connected(handle string)
	ConnectFailed(handle string, err error)
	Disconnected(handle string, err error)
	Identified(handle string, chars []Characteristic, err error)
	SignalRead(handle string, rssi beacon.SignalStrength, err error)
	WakeReceived(handle string)
	ServicesInvalidated(handle string)
}

// Peripheral is the advertising role.
type Peripheral interface {
	SetHandler(h PeripheralHandler)
	State() State
	IsAdvertising() bool

	// Advertise publishes service with a single characteristic, replacing
	// whatever was published before.
	Advertise(service uuid.UUID, char Characteristic)
	StopAdvertising()

	// Notify sends value to every central subscribed to char. It reports
	// false when the transmit queue is full; ReadyToUpdate follows once it
	// drains.
	Notify(char uuid.UUID, value []byte) bool
}

// PeripheralHandler receives events of the Peripheral role.
type PeripheralHandler interface {
	StateChanged(state State)
	Subscribed(central string, char uuid.UUID)
	Unsubscribed(central string, char uuid.UUID)
	WriteReceived(central string, char uuid.UUID, value []byte)
	ReadyToUpdate()
}
