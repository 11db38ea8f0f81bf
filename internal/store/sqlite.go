package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the pure-Go (no cgo) SQLite-backed Store implementation,
// grounded on skobkin-meshgo's internal/storage/sqlite.go open-and-migrate
// pattern.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite database at path
// and applies the schema. path may be ":memory:" for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	num INTEGER PRIMARY KEY,
	node_id TEXT NOT NULL,
	long_name TEXT NOT NULL DEFAULT '',
	short_name TEXT NOT NULL DEFAULT '',
	hardware_model INTEGER NOT NULL DEFAULT 0,
	is_favorite INTEGER NOT NULL DEFAULT 0,
	is_low_entropy_key INTEGER NOT NULL DEFAULT 0,
	public_key_b64 TEXT NOT NULL DEFAULT '',
	has_pki INTEGER NOT NULL DEFAULT 0,
	snr REAL NOT NULL DEFAULT 0,
	rssi INTEGER NOT NULL DEFAULT 0,
	last_heard INTEGER NOT NULL DEFAULT 0,
	hops_away INTEGER NOT NULL DEFAULT -1,
	channel INTEGER NOT NULL DEFAULT 0,
	latitude REAL NOT NULL DEFAULT 0,
	longitude REAL NOT NULL DEFAULT 0,
	altitude INTEGER NOT NULL DEFAULT 0,
	position_precision_bit INTEGER NOT NULL DEFAULT 0,
	has_position INTEGER NOT NULL DEFAULT 0,
	position_updated_at INTEGER NOT NULL DEFAULT 0,
	is_mobile INTEGER NOT NULL DEFAULT 0,
	welcomed_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	key TEXT PRIMARY KEY,
	request_id INTEGER NOT NULL DEFAULT 0,
	from_num INTEGER NOT NULL,
	to_num INTEGER NOT NULL,
	channel INTEGER NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	reply_id INTEGER NOT NULL DEFAULT 0,
	emoji TEXT NOT NULL DEFAULT '',
	hop_start INTEGER NOT NULL DEFAULT 0,
	hop_limit INTEGER NOT NULL DEFAULT 0,
	want_ack INTEGER NOT NULL DEFAULT 0,
	delivery_state TEXT NOT NULL DEFAULT '',
	is_outbound INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL DEFAULT 'text',
	read_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_request_id ON messages(request_id);

CREATE TABLE IF NOT EXISTS channels (
	idx INTEGER PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	psk_b64 TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	position_precision INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry (
	id TEXT PRIMARY KEY,
	node_num INTEGER NOT NULL,
	type TEXT NOT NULL,
	value REAL NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_node_type ON telemetry(node_num, type, timestamp);

CREATE TABLE IF NOT EXISTS traceroutes (
	id TEXT PRIMARY KEY,
	responder_id TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	forward_path TEXT NOT NULL,
	return_path TEXT NOT NULL,
	snr_towards TEXT NOT NULL,
	snr_back TEXT NOT NULL,
	rendered_text TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS route_segments (
	from_num INTEGER NOT NULL,
	to_num INTEGER NOT NULL,
	distance_km REAL NOT NULL,
	is_record_holder INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (from_num, to_num)
);

CREATE TABLE IF NOT EXISTS neighbor_info (
	node_num INTEGER NOT NULL,
	neighbor_num INTEGER NOT NULL,
	snr REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (node_num, neighbor_num)
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS packet_log (
	id TEXT PRIMARY KEY,
	from_num INTEGER NOT NULL,
	to_num INTEGER NOT NULL,
	port_num INTEGER NOT NULL,
	preview TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS traceroute_requests (
	node_num INTEGER PRIMARY KEY,
	requested_at INTEGER NOT NULL
);
`

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (s *SQLiteStore) UpsertNode(ctx context.Context, n Node) error {
	now := time.Now()
	var welcomed sql.NullInt64
	if n.WelcomedAt != nil {
		welcomed = sql.NullInt64{Int64: n.WelcomedAt.Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (num, node_id, long_name, short_name, hardware_model, is_favorite,
			is_low_entropy_key, public_key_b64, has_pki, snr, rssi, last_heard, hops_away,
			channel, latitude, longitude, altitude, position_precision_bit, has_position,
			position_updated_at, is_mobile, welcomed_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(num) DO UPDATE SET
			node_id=excluded.node_id,
			long_name=CASE WHEN excluded.long_name != '' THEN excluded.long_name ELSE nodes.long_name END,
			short_name=CASE WHEN excluded.short_name != '' THEN excluded.short_name ELSE nodes.short_name END,
			hardware_model=excluded.hardware_model,
			is_favorite=excluded.is_favorite,
			is_low_entropy_key=CASE WHEN excluded.public_key_b64 != '' THEN excluded.is_low_entropy_key ELSE nodes.is_low_entropy_key END,
			public_key_b64=CASE WHEN excluded.public_key_b64 != '' THEN excluded.public_key_b64 ELSE nodes.public_key_b64 END,
			has_pki=CASE WHEN excluded.has_pki=1 THEN 1 ELSE nodes.has_pki END,
			snr=excluded.snr,
			rssi=excluded.rssi,
			last_heard=excluded.last_heard,
			hops_away=excluded.hops_away,
			channel=CASE WHEN excluded.channel != 0 THEN excluded.channel ELSE nodes.channel END,
			latitude=CASE WHEN excluded.has_position=1 THEN excluded.latitude ELSE nodes.latitude END,
			longitude=CASE WHEN excluded.has_position=1 THEN excluded.longitude ELSE nodes.longitude END,
			altitude=CASE WHEN excluded.has_position=1 THEN excluded.altitude ELSE nodes.altitude END,
			position_precision_bit=CASE WHEN excluded.has_position=1 THEN excluded.position_precision_bit ELSE nodes.position_precision_bit END,
			has_position=CASE WHEN excluded.has_position=1 THEN 1 ELSE nodes.has_position END,
			position_updated_at=CASE WHEN excluded.has_position=1 THEN excluded.position_updated_at ELSE nodes.position_updated_at END,
			is_mobile=nodes.is_mobile,
			welcomed_at=COALESCE(nodes.welcomed_at, excluded.welcomed_at),
			updated_at=excluded.updated_at
	`,
		n.Num, n.NodeID, n.LongName, n.ShortName, n.HardwareModel, boolToInt(n.IsFavorite),
		boolToInt(n.IsLowEntropyKey), n.PublicKeyB64, boolToInt(n.HasPKI), n.SNR, n.RSSI,
		unixOrZero(n.LastHeard), n.HopsAway, n.Channel, n.Latitude, n.Longitude, n.Altitude,
		n.PositionPrecisionBit, boolToInt(n.HasPosition), unixOrZero(n.PositionUpdatedAt),
		boolToInt(n.IsMobile), welcomed, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upserting node %d: %w", n.Num, err)
	}
	return nil
}

func scanNode(row interface {
	Scan(dest ...any) error
}) (Node, error) {
	var n Node
	var lastHeard, posUpdated, createdAt, updatedAt int64
	var welcomed sql.NullInt64
	var isFav, isLowEntropy, hasPKI, hasPos, isMobile int
	err := row.Scan(&n.Num, &n.NodeID, &n.LongName, &n.ShortName, &n.HardwareModel, &isFav,
		&isLowEntropy, &n.PublicKeyB64, &hasPKI, &n.SNR, &n.RSSI, &lastHeard, &n.HopsAway,
		&n.Channel, &n.Latitude, &n.Longitude, &n.Altitude, &n.PositionPrecisionBit, &hasPos, &posUpdated,
		&isMobile, &welcomed, &createdAt, &updatedAt)
	if err != nil {
		return Node{}, err
	}
	n.IsFavorite = isFav != 0
	n.IsLowEntropyKey = isLowEntropy != 0
	n.HasPKI = hasPKI != 0
	n.HasPosition = hasPos != 0
	n.IsMobile = isMobile != 0
	n.LastHeard = time.Unix(lastHeard, 0)
	n.PositionUpdatedAt = time.Unix(posUpdated, 0)
	n.CreatedAt = time.Unix(createdAt, 0)
	n.UpdatedAt = time.Unix(updatedAt, 0)
	if welcomed.Valid {
		t := time.Unix(welcomed.Int64, 0)
		n.WelcomedAt = &t
	}
	return n, nil
}

const nodeColumns = `num, node_id, long_name, short_name, hardware_model, is_favorite,
	is_low_entropy_key, public_key_b64, has_pki, snr, rssi, last_heard, hops_away,
	channel, latitude, longitude, altitude, position_precision_bit, has_position,
	position_updated_at, is_mobile, welcomed_at, created_at, updated_at`

func (s *SQLiteStore) GetNode(ctx context.Context, num uint32) (Node, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE num = ?`, num)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("getting node %d: %w", num, err)
	}
	return n, true, nil
}

func (s *SQLiteStore) GetActiveNodes(ctx context.Context, maxAgeHours int) ([]Node, error) {
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour).Unix()
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE last_heard >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying active nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning active node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetNodeNeedingTraceroute returns unprobed nodes first, then the
// least-recently-probed one.
func (s *SQLiteStore) GetNodeNeedingTraceroute(ctx context.Context) (Node, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+prefixColumns("n", nodeColumns)+`
		FROM nodes n
		LEFT JOIN traceroute_requests tr ON tr.node_num = n.num
		WHERE n.num NOT IN (SELECT num FROM nodes WHERE num = 0)
		ORDER BY (tr.requested_at IS NOT NULL) ASC, COALESCE(tr.requested_at, 0) ASC
		LIMIT 1
	`)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("getting node needing traceroute: %w", err)
	}
	return n, true, nil
}

func prefixColumns(alias, columns string) string {
	out := ""
	for i, c := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	cur := ""
	for _, r := range columns {
		switch r {
		case ',', '\n', '\t':
			if cur != "" {
				out = append(out, trimSpace(cur))
				cur = ""
			}
		default:
			cur += string(r)
		}
	}
	if cur != "" {
		out = append(out, trimSpace(cur))
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func (s *SQLiteStore) UpdateNodeMobility(ctx context.Context, num uint32, isMobile bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET is_mobile = ?, updated_at = ? WHERE num = ?`,
		boolToInt(isMobile), time.Now().Unix(), num)
	return err
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m Message) error {
	var readAt sql.NullInt64
	if m.ReadAt != nil {
		readAt = sql.NullInt64{Int64: m.ReadAt.Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (key, request_id, from_num, to_num, channel, text, reply_id, emoji,
			hop_start, hop_limit, want_ack, delivery_state, is_outbound, kind, read_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET text=excluded.text
	`, m.Key, m.RequestID, m.FromNum, m.ToNum, m.Channel, m.Text, m.ReplyID, m.Emoji,
		m.HopStart, m.HopLimit, boolToInt(m.WantAck), string(m.DeliveryState), boolToInt(m.IsOutbound),
		m.Kind, readAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.Key, err)
	}
	return nil
}

func (s *SQLiteStore) GetMessageByRequestID(ctx context.Context, requestID uint32) (Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, request_id, from_num, to_num, channel, text, reply_id, emoji, hop_start,
			hop_limit, want_ack, delivery_state, is_outbound, kind, read_at, created_at
		FROM messages WHERE request_id = ? ORDER BY created_at DESC LIMIT 1
	`, requestID)
	var m Message
	var wantAck, isOutbound int
	var readAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&m.Key, &m.RequestID, &m.FromNum, &m.ToNum, &m.Channel, &m.Text, &m.ReplyID,
		&m.Emoji, &m.HopStart, &m.HopLimit, &wantAck, &m.DeliveryState, &isOutbound, &m.Kind,
		&readAt, &createdAt)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("getting message by request id %d: %w", requestID, err)
	}
	m.WantAck = wantAck != 0
	m.IsOutbound = isOutbound != 0
	m.CreatedAt = time.Unix(createdAt, 0)
	if readAt.Valid {
		t := time.Unix(readAt.Int64, 0)
		m.ReadAt = &t
	}
	return m, true, nil
}

// UpdateMessageDeliveryState advances the state machine for the outbound
// record matching requestID. Terminal states (confirmed, failed) are never
// downgraded (state machine; enforced in internal/outbound,
// this method is a plain write).
func (s *SQLiteStore) UpdateMessageDeliveryState(ctx context.Context, requestID uint32, state DeliveryState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET delivery_state = ? WHERE request_id = ?`, string(state), requestID)
	return err
}

func (s *SQLiteStore) MarkMessageAsRead(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET read_at = ? WHERE key = ? AND read_at IS NULL`, time.Now().Unix(), key)
	return err
}

func (s *SQLiteStore) UpsertChannel(ctx context.Context, c Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (idx, name, psk_b64, role, position_precision, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(idx) DO UPDATE SET
			name=excluded.name, psk_b64=excluded.psk_b64, role=excluded.role,
			position_precision=excluded.position_precision, updated_at=excluded.updated_at
	`, c.Index, c.Name, c.PSKBase64, c.Role, c.PositionPrecision, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upserting channel %d: %w", c.Index, err)
	}
	return nil
}

func (s *SQLiteStore) GetChannelByID(ctx context.Context, index int32) (Channel, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT idx, name, psk_b64, role, position_precision, updated_at FROM channels WHERE idx = ?`, index)
	var c Channel
	var updatedAt int64
	err := row.Scan(&c.Index, &c.Name, &c.PSKBase64, &c.Role, &c.PositionPrecision, &updatedAt)
	if err == sql.ErrNoRows {
		return Channel{}, false, nil
	}
	if err != nil {
		return Channel{}, false, fmt.Errorf("getting channel %d: %w", index, err)
	}
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return c, true, nil
}

func (s *SQLiteStore) InsertTelemetry(ctx context.Context, t Telemetry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry (id, node_num, type, value, unit, timestamp) VALUES (?,?,?,?,?,?)
	`, uuid.NewString(), t.NodeNum, t.Type, t.Value, t.Unit, t.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("inserting telemetry for node %d: %w", t.NodeNum, err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestTelemetryForType(ctx context.Context, nodeNum uint32, kind string) (Telemetry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_num, type, value, unit, timestamp FROM telemetry
		WHERE node_num = ? AND type = ? ORDER BY timestamp DESC LIMIT 1
	`, nodeNum, kind)
	var t Telemetry
	var ts int64
	err := row.Scan(&t.NodeNum, &t.Type, &t.Value, &t.Unit, &ts)
	if err == sql.ErrNoRows {
		return Telemetry{}, false, nil
	}
	if err != nil {
		return Telemetry{}, false, fmt.Errorf("getting latest telemetry for node %d type %s: %w", nodeNum, kind, err)
	}
	t.Timestamp = time.Unix(ts, 0)
	return t, true, nil
}

func (s *SQLiteStore) InsertTraceroute(ctx context.Context, t Traceroute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traceroutes (id, responder_id, requester_id, forward_path, return_path,
			snr_towards, snr_back, rendered_text, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
	`, uuid.NewString(), t.ResponderID, t.RequesterID, encodeUint32s(t.ForwardPath), encodeUint32s(t.ReturnPath),
		encodeInt32s(t.SNRTowards), encodeInt32s(t.SNRBack), t.RenderedText, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("inserting traceroute %s -> %s: %w", t.RequesterID, t.ResponderID, err)
	}
	return nil
}

func (s *SQLiteStore) InsertRouteSegment(ctx context.Context, seg RouteSegment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO route_segments (from_num, to_num, distance_km, is_record_holder, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(from_num, to_num) DO UPDATE SET
			distance_km=excluded.distance_km, updated_at=excluded.updated_at
	`, seg.FromNum, seg.ToNum, seg.DistanceKm, boolToInt(seg.IsRecordHolder), time.Now().Unix())
	return err
}

func (s *SQLiteStore) UpdateRecordHolderSegment(ctx context.Context, from, to uint32, isRecordHolder bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE route_segments SET is_record_holder = ? WHERE from_num = ? AND to_num = ?
	`, boolToInt(isRecordHolder), from, to)
	return err
}

func (s *SQLiteStore) RecordTracerouteRequest(ctx context.Context, nodeNum uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traceroute_requests (node_num, requested_at) VALUES (?, ?)
		ON CONFLICT(node_num) DO UPDATE SET requested_at = excluded.requested_at
	`, nodeNum, time.Now().Unix())
	return err
}

func (s *SQLiteStore) SaveNeighborInfo(ctx context.Context, n NeighborInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO neighbor_info (node_num, neighbor_num, snr, updated_at) VALUES (?,?,?,?)
		ON CONFLICT(node_num, neighbor_num) DO UPDATE SET snr=excluded.snr, updated_at=excluded.updated_at
	`, n.NodeNum, n.NeighborNum, n.SNR, time.Now().Unix())
	return err
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("getting setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *SQLiteStore) LogPacket(ctx context.Context, e PacketLogEntry) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packet_log (id, from_num, to_num, port_num, preview, timestamp) VALUES (?,?,?,?,?,?)
	`, id, e.FromNum, e.ToNum, e.PortNum, e.Preview, e.Timestamp.Unix())
	return err
}
