package proto

// Direction selects which of a connection's two byte streams a Delta
// describes.
type Direction uint8

const (
	// DirectionSend is the stream of bytes this side has accepted from the
	// application for transmission to the remote peer.
	DirectionSend Direction = 0
	// DirectionRecv is the stream of bytes received from the remote peer and
	// bound for the application.
	DirectionRecv Direction = 1
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "recv"
}

// Range is one contiguous run of bytes, expressed relative to the enclosing
// Delta's BaseLogical so a 32-bit offset and length always suffice.
type Range struct {
	Offset uint32 `json:"offset"`
	Len    uint32 `json:"len"`
}

// Delta describes newly appended byte ranges, a drain advance, and the
// sender's current connection state for one direction of one connection.
// Deltas may be duplicated, reordered, or interleaved with backfill
// snapshots; receivers apply them with an idempotent, commutative merge.
type Delta struct {
	ConnID      uint64    `json:"conn_id"`
	Direction   Direction `json:"direction"`
	BaseLogical uint64    `json:"base_logical"`
	Ranges      []Range   `json:"ranges,omitempty"`
	DrainedLow  uint64    `json:"drained_low"`
	State       uint32    `json:"state"`
	Seq         uint64    `json:"seq"`

	// The connection's 4-tuple rides along so a replica can build a record
	// from replication traffic alone.
	LocalAddr  string `json:"local_addr,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// Ack acknowledges application of deltas for one direction of one
// connection. AppliedSeq is cumulative within that direction: every delta for
// the connection and direction with a sequence number at or below it has been
// applied, or is subsumed by a later applied delta of the same direction.
// Deltas of opposite directions never subsume each other, so the cumulative
// counter must not cross directions.
type Ack struct {
	ConnID     uint64    `json:"conn_id"`
	Direction  Direction `json:"direction"`
	AppliedSeq uint64    `json:"applied_seq"`
}

// Heartbeat announces that the sending node is alive and serving.
type Heartbeat struct {
	NodeID uint64 `json:"node_id"`
	Epoch  uint64 `json:"epoch"`
}

// Envelope is the single frame type shipped over a replication link.
// Exactly one field is set.
type Envelope struct {
	Delta     *Delta     `json:"delta,omitempty"`
	Ack       *Ack       `json:"ack,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
}
