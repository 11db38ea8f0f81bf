package device

import (
	"fmt"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

// NodeID renders the canonical "!hex8" node id for a 32-bit node number.
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// LocalNode is the in-memory authoritative record of the radio this process
// is connected to. Names become immutable once IsLocked is
// true; firmware version and reboot count stay mutable regardless.
type LocalNode struct {
	Num             uint32
	ID              string
	LongName        string
	ShortName       string
	HardwareModel   meshtastic.HardwareModel
	Firmware        FirmwareVersion
	RebootCount     uint32
	IsLocked        bool
}

// Clone returns a value copy safe to hand to callers outside the owning
// Model.
func (n LocalNode) Clone() LocalNode { return n }
