package pushbus

import (
	"context"
	"testing"
)

func TestPublishWithNilClientIsNoop(t *testing.T) {
	b := New(nil, "mesh:events")
	// Must not panic or block even though no Redis endpoint is configured.
	b.Publish(context.Background(), Event{Kind: EventNodeJoined, NodeID: "!1"})
}

func TestNewClientWithEmptyAddrReturnsNil(t *testing.T) {
	if NewClient("") != nil {
		t.Fatal("expected nil client for empty address")
	}
}
