// Package wire is the encode/decode half of the framed protobuf codec,
// kept as a small pure-function library with no transport dependency. The
// transport package deals only in opaque byte frames; wire is the only
// place that knows about ToRadio/FromRadio.
package wire

import (
	"fmt"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// EncodeToRadio marshals one outbound ToRadio message to bytes ready for
// transport.Session.Send.
func EncodeToRadio(msg *meshtastic.ToRadio) ([]byte, error) {
	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling ToRadio: %w", err)
	}
	return b, nil
}

// DecodeFromRadio unmarshals one inbound raw frame into a FromRadio.
func DecodeFromRadio(raw []byte) (*meshtastic.FromRadio, error) {
	msg := &meshtastic.FromRadio{}
	if err := proto.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("unmarshalling FromRadio: %w", err)
	}
	return msg, nil
}
