package beacon

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Well-known identifiers of the beacon GATT profile.
var (
	// DefaultServiceUUID is the service every participating device advertises.
	DefaultServiceUUID = uuid.MustParse("0022d481-83fe-1f13-0000-000000000000")

	// DefaultProtocolTag supplies the upper 64 bits of every beacon
	// characteristic UUID.
	DefaultProtocolTag = uuid.MustParse("85ba9360-2b2e-11eb-0000-000000000000")
)

// Profile describes the wire-level contract shared with peers
type Profile struct {
	ServiceUUID uuid.UUID
	ProtocolTag uuid.UUID
}

// DefaultProfile returns the profile built from the well-known identifiers
func DefaultProfile() Profile {
	return Profile{
		ServiceUUID: DefaultServiceUUID,
		ProtocolTag: DefaultProtocolTag,
	}
}

// CharacteristicUUID encodes code into the low 64 bits of a characteristic
// UUID whose high 64 bits are the protocol tag.
func (p Profile) CharacteristicUUID(code Code) uuid.UUID {
	var u uuid.UUID
	copy(u[:8], p.ProtocolTag[:8])
	binary.BigEndian.PutUint64(u[8:], uint64(code))
	return u
}

// DecodeCharacteristic extracts the code from a beacon characteristic UUID.
// ok is false when the UUID does not carry the protocol tag.
func (p Profile) DecodeCharacteristic(u uuid.UUID) (code Code, ok bool) {
	if !p.IsBeaconCharacteristic(u) {
		return 0, false
	}
	return Code(int64(binary.BigEndian.Uint64(u[8:]))), true
}

// IsBeaconCharacteristic reports whether u carries the protocol tag
func (p Profile) IsBeaconCharacteristic(u uuid.UUID) bool {
	for i := 0; i < 8; i++ {
		if u[i] != p.ProtocolTag[i] {
			return false
		}
	}
	return true
}

// Validate checks that both identifiers are set
func (p Profile) Validate() error {
	if p.ServiceUUID == uuid.Nil {
		return fmt.Errorf("service uuid is required")
	}
	if p.ProtocolTag == uuid.Nil {
		return fmt.Errorf("protocol tag is required")
	}
	return nil
}
