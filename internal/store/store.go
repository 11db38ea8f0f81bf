package store

import "context"

// Store is the narrow, synchronous persistence interface the core depends on.
// It is the only way the core ever touches durable state; node mutation in
// particular goes exclusively through UpsertNode (Ownership).
type Store interface {
	UpsertNode(ctx context.Context, n Node) error
	GetNode(ctx context.Context, num uint32) (Node, bool, error)
	GetActiveNodes(ctx context.Context, maxAgeHours int) ([]Node, error)
	GetNodeNeedingTraceroute(ctx context.Context) (Node, bool, error)
	UpdateNodeMobility(ctx context.Context, num uint32, isMobile bool) error

	InsertMessage(ctx context.Context, m Message) error
	GetMessageByRequestID(ctx context.Context, requestID uint32) (Message, bool, error)
	UpdateMessageDeliveryState(ctx context.Context, requestID uint32, state DeliveryState) error
	MarkMessageAsRead(ctx context.Context, key string) error

	UpsertChannel(ctx context.Context, c Channel) error
	GetChannelByID(ctx context.Context, index int32) (Channel, bool, error)

	InsertTelemetry(ctx context.Context, t Telemetry) error
	GetLatestTelemetryForType(ctx context.Context, nodeNum uint32, kind string) (Telemetry, bool, error)

	InsertTraceroute(ctx context.Context, t Traceroute) error
	InsertRouteSegment(ctx context.Context, s RouteSegment) error
	UpdateRecordHolderSegment(ctx context.Context, from, to uint32, isRecordHolder bool) error
	RecordTracerouteRequest(ctx context.Context, nodeNum uint32) error

	SaveNeighborInfo(ctx context.Context, n NeighborInfo) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	LogPacket(ctx context.Context, e PacketLogEntry) error

	Close() error
}
