package radio

import (
	"github.com/google/uuid"
)

// DisabledCentral is a Central for hosts without a usable controller. It
// reports StateUnsupported once a handler is set and ignores every request.
type DisabledCentral struct{}

func (DisabledCentral) SetHandler(h CentralHandler) {
	if h != nil {
		go h.StateChanged(StateUnsupported)
	}
}

func (DisabledCentral) State() State                       { return StateUnsupported }
func (DisabledCentral) IsScanning() bool                   { return false }
func (DisabledCentral) Scan(uuid.UUID)                     {}
func (DisabledCentral) StopScan()                          {}
func (DisabledCentral) ConnectedPeers(uuid.UUID) []string  { return nil }
func (DisabledCentral) PeerState(string) PeerState         { return PeerDisconnected }
func (DisabledCentral) Connect(string)                     {}
func (DisabledCentral) Disconnect(string)                  {}
func (DisabledCentral) DiscoverServices(string, uuid.UUID) {}
func (DisabledCentral) ReadSignal(string)                  {}
func (DisabledCentral) Subscribe(string, uuid.UUID)        {}
func (DisabledCentral) Unsubscribe(string, uuid.UUID)      {}
func (DisabledCentral) Wake(string, uuid.UUID)             {}

// DisabledPeripheral is the advertising counterpart of DisabledCentral
type DisabledPeripheral struct{}

func (DisabledPeripheral) SetHandler(h PeripheralHandler) {
	if h != nil {
		go h.StateChanged(StateUnsupported)
	}
}

func (DisabledPeripheral) State() State                        { return StateUnsupported }
func (DisabledPeripheral) IsAdvertising() bool                 { return false }
func (DisabledPeripheral) Advertise(uuid.UUID, Characteristic) {}
func (DisabledPeripheral) StopAdvertising()                    {}
func (DisabledPeripheral) Notify(uuid.UUID, []byte) bool       { return false }

var (
	_ Central    = DisabledCentral{}
	_ Peripheral = DisabledPeripheral{}
)
