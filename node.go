package connmirror

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/connmirror/connmirror/internal/proto"
)

const (
	// DefaultReplicationTimeout is how long the node waits for a replica to
	// acknowledge a delta before re-sending it. Retries back off from here.
	DefaultReplicationTimeout = 200 * time.Millisecond
	// DefaultMaxRetries bounds re-sends of one delta. Exhausting it marks
	// the connection unreplicated and disables failover for it.
	DefaultMaxRetries = 8
	// DefaultMaxReorderGap is the largest hole, in bytes, an appended range
	// may leave above the current high water. Bigger holes are the network
	// stack's reordering to buffer, not ours.
	DefaultMaxReorderGap = 1 << 20
	// DefaultHeartbeatTimeout is how long the primary's heartbeat may go
	// silent before a watching secondary promotes itself.
	DefaultHeartbeatTimeout = 3 * time.Second
	// DefaultReclaimGrace is how long a closed connection's record lingers
	// so late replication traffic can still be matched to it.
	DefaultReclaimGrace = time.Minute
)

// maxReplicationBackoff caps the delta re-send backoff.
const maxReplicationBackoff = 5 * time.Second

// Node is one replica of the connection-state replication engine. A primary
// node sits next to the transport stack, gating its externally visible
// effects on replication; a watching node applies inbound deltas and
// promotes itself if the primary's heartbeat goes silent.
type Node struct {
	id  uint64
	l   log15.Logger
	clk clock.WithTicker

	replTimeout      time.Duration
	maxRetries       int
	maxReorderGap    uint64
	heartbeatTimeout time.Duration
	reclaimGrace     time.Duration
	sink             PromotionSink

	registry *registry

	// mu guards the link set, the pending-ack table, the delta sequence
	// counter, and the failover fields. It is taken after a conn's lock,
	// never before.
	mu        sync.Mutex
	links     []*link
	pending   map[uint64]pendingWait
	nextSeq   uint64
	role      Role
	lastBeat  time.Time
	beatEpoch uint64
}

// pendingWait is one in-flight delta awaiting acknowledgment. Acks are
// cumulative per connection and direction, so the wait carries both.
type pendingWait struct {
	connID uint64
	dir    proto.Direction
	ackedC chan struct{}
}

// Option configures a Node.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(n *Node)

// WithLogger configures the logger for replication operations. By default,
// nothing is logged.
func WithLogger(l log15.Logger) Option {
	return func(n *Node) {
		n.l = l
	}
}

// WithReplicationTimeout configures the per-attempt delta acknowledgment
// timeout. A value of 0 or less keeps the default.
func WithReplicationTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.replTimeout = d
		}
	}
}

// WithMaxRetries configures how many times an unacknowledged delta is
// re-sent before the connection is marked unreplicated.
func WithMaxRetries(count int) Option {
	return func(n *Node) {
		if count > 0 {
			n.maxRetries = count
		}
	}
}

// WithMaxReorderGap configures the largest hole an appended range may leave
// above the buffer's high water mark.
func WithMaxReorderGap(gap uint64) Option {
	return func(n *Node) {
		if gap > 0 {
			n.maxReorderGap = gap
		}
	}
}

// WithHeartbeatTimeout configures how long the primary's heartbeat may go
// silent before a watching node promotes itself.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.heartbeatTimeout = d
		}
	}
}

// WithReclaimGrace configures how long terminal connection records linger
// for late replication traffic.
func WithReclaimGrace(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.reclaimGrace = d
		}
	}
}

// WithPromotionSink configures the collaborator that receives the takeover
// snapshot when this node promotes.
func WithPromotionSink(s PromotionSink) Option {
	return func(n *Node) {
		n.sink = s
	}
}

// New constructs a node. Start the node serving the transport stack with
// RolePrimary, or as a standby with RoleWatching.
func New(id uint64, role Role, opts ...Option) (*Node, error) {
	return newNode(clock.RealClock{}, id, role, opts...)
}

func newNode(clk clock.WithTicker, id uint64, role Role, opts ...Option) (*Node, error) {
	if role != RolePrimary && role != RoleWatching {
		return nil, errors.Errorf("a node starts as %q or %q, not %q", RolePrimary, RoleWatching, role)
	}
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	n := &Node{
		id:               id,
		l:                noopLogger,
		clk:              clk,
		replTimeout:      DefaultReplicationTimeout,
		maxRetries:       DefaultMaxRetries,
		maxReorderGap:    DefaultMaxReorderGap,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		reclaimGrace:     DefaultReclaimGrace,
		registry:         newRegistry(),
		pending:          make(map[uint64]pendingWait),
		role:             role,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.lastBeat = clk.Now()
	return n, nil
}

// Open registers a newly established connection with the engine. Handshakes
// are never replicated, so the record starts at StateEstablished with both
// translators seeded from the handshake's initial sequence numbers. The
// record is announced to replicas in the background.
func (n *Node) Open(id uint64, tuple FourTuple, sendISN, recvISN uint32) error {
	if err := n.requireServing(); err != nil {
		return err
	}
	c := &conn{
		id:      id,
		tuple:   tuple,
		state:   StateEstablished,
		sendSeq: newSeqTranslator(sendISN),
		recvSeq: newSeqTranslator(recvISN),
		send:    RangeSet{DrainedLow: uint64(sendISN)},
		recv:    RangeSet{DrainedLow: uint64(recvISN)},
		doneC:   make(chan struct{}),
		l:       n.l.New("conn", id),
	}
	c.ackedHigh[proto.DirectionSend] = uint64(sendISN)
	c.ackedHigh[proto.DirectionRecv] = uint64(recvISN)
	if !n.registry.add(c) {
		return errors.Errorf("connection %d already exists", id)
	}
	c.l.Info("connection opened", "tuple", tuple)

	c.mu.Lock()
	sendD := n.deltaLocked(c, proto.DirectionSend, c.send.DrainedLow)
	recvD := n.deltaLocked(c, proto.DirectionRecv, c.recv.DrainedLow)
	c.mu.Unlock()
	n.replicateAsync(c, sendD)
	n.replicateAsync(c, recvD)
	return nil
}

// SegmentReceived records payload bytes arriving from the remote peer at the
// given wire sequence number. It returns once a replica has acknowledged the
// delta describing the bytes; only then may the transport stack emit the
// peer-facing ACK. A nil return is the release of that gate.
func (n *Node) SegmentReceived(ctx context.Context, id uint64, wireSeq uint32, payload []byte) error {
	if err := n.requireServing(); err != nil {
		return err
	}
	c, err := n.lookup(id)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	c.mu.Lock()
	start, err := c.recvSeq.toLogical(wireSeq)
	if err != nil {
		c.desynced = true
		c.mu.Unlock()
		c.l.Error("wire sequence outside the live window, dropping connection", "wireSeq", wireSeq, "err", err)
		n.Teardown(id)
		return err
	}
	iv := Interval{Start: start, End: start + uint64(len(payload))}
	next, err := c.recv.Append(iv, n.maxReorderGap)
	if err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "segment not appendable")
	}
	c.recv = next
	c.recvSeq.advance(iv.End)
	unreplicated := c.unreplicated
	d := n.deltaLocked(c, proto.DirectionRecv, c.ackedHigh[proto.DirectionRecv])
	c.mu.Unlock()

	if unreplicated {
		// Replication already gave up on this connection; keep serving it
		// without the gate, best effort.
		n.broadcast(ctx, &proto.Envelope{Delta: d})
		return nil
	}
	return n.replicate(ctx, c, d)
}

// ApplicationSend records bytes the application handed over for
// transmission. It returns once a replica has acknowledged the delta; only
// then may the bytes be reported to the application as durably accepted.
func (n *Node) ApplicationSend(ctx context.Context, id uint64, payload []byte) error {
	if err := n.requireServing(); err != nil {
		return err
	}
	c, err := n.lookup(id)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	c.mu.Lock()
	start := c.send.HighWater()
	iv := Interval{Start: start, End: start + uint64(len(payload))}
	next, err := c.send.Append(iv, n.maxReorderGap)
	if err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "send bytes not appendable")
	}
	c.send = next
	c.sendSeq.advance(iv.End)
	unreplicated := c.unreplicated
	d := n.deltaLocked(c, proto.DirectionSend, c.ackedHigh[proto.DirectionSend])
	c.mu.Unlock()

	if unreplicated {
		n.broadcast(ctx, &proto.Envelope{Delta: d})
		return nil
	}
	return n.replicate(ctx, c, d)
}

// PeerAcked records the remote peer's acknowledgment point for our sent
// bytes; everything below it is freed. The drain advance replicates in the
// background: losing it costs a re-send after failover, never data.
func (n *Node) PeerAcked(id uint64, wireAck uint32) error {
	if err := n.requireServing(); err != nil {
		return err
	}
	c, err := n.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	low, err := c.sendSeq.toLogical(wireAck)
	if err != nil {
		c.desynced = true
		c.mu.Unlock()
		c.l.Error("wire ack outside the live window, dropping connection", "wireAck", wireAck, "err", err)
		n.Teardown(id)
		return err
	}
	before := c.send.DrainedLow
	c.send = c.send.Drain(low)
	changed := c.send.DrainedLow != before
	var d *proto.Delta
	if changed {
		d = n.deltaLocked(c, proto.DirectionSend, c.ackedHigh[proto.DirectionSend])
	}
	c.mu.Unlock()

	if changed {
		n.replicateAsync(c, d)
	}
	return nil
}

// Consumed records that the local application consumed count bytes of
// received data. Consumption can only cover contiguously present bytes.
func (n *Node) Consumed(id uint64, count uint64) error {
	if err := n.requireServing(); err != nil {
		return err
	}
	c, err := n.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	newLow := c.recv.DrainedLow + count
	if end := c.recv.ContiguousEnd(); newLow > end {
		c.mu.Unlock()
		return errors.Errorf("consumed through %d but only %d is contiguously present", newLow, end)
	}
	c.recv = c.recv.Drain(newLow)
	d := n.deltaLocked(c, proto.DirectionRecv, c.ackedHigh[proto.DirectionRecv])
	c.mu.Unlock()

	n.replicateAsync(c, d)
	return nil
}

// StateTransition validates and applies a locally observed protocol state
// advance, then replicates it on the acknowledged delta path. An illegal
// transition resets the connection. A terminal state starts the reclaim
// grace period and releases any blocked gates once replicated.
func (n *Node) StateTransition(ctx context.Context, id uint64, next ConnState) error {
	c, err := n.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := observeTransition(c.state, next); err != nil {
		from := c.state
		c.state = StateReset
		if c.closedAt.IsZero() {
			c.closedAt = n.clk.Now()
		}
		d := n.deltaLocked(c, proto.DirectionSend, c.ackedHigh[proto.DirectionSend])
		c.mu.Unlock()
		c.l.Error("illegal state transition, resetting connection", "from", from, "to", next)
		c.teardown()
		// One last unguarded delta so replicas reach the terminal state and
		// reclaim the record instead of restoring it at promotion.
		n.broadcast(context.Background(), &proto.Envelope{Delta: d})
		return err
	}
	c.state = next
	if next.terminal() && c.closedAt.IsZero() {
		c.closedAt = n.clk.Now()
	}
	d := n.deltaLocked(c, proto.DirectionSend, c.ackedHigh[proto.DirectionSend])
	c.mu.Unlock()

	replErr := n.replicate(ctx, c, d)
	if next.terminal() {
		c.teardown()
	}
	return replErr
}

// Teardown drops the connection locally, releasing any blocked replication
// gates with ErrDropped. The record lingers until the reclaim grace period
// passes so late replication traffic can still be matched to it.
func (n *Node) Teardown(id uint64) {
	c := n.registry.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	if !c.state.terminal() {
		c.state = StateReset
	}
	if c.closedAt.IsZero() {
		c.closedAt = n.clk.Now()
	}
	d := n.deltaLocked(c, proto.DirectionSend, c.ackedHigh[proto.DirectionSend])
	c.mu.Unlock()
	c.l.Info("connection torn down")
	c.teardown()
	// One last unguarded delta so replicas reach the terminal state and
	// reclaim the record instead of restoring it at promotion.
	n.broadcast(context.Background(), &proto.Envelope{Delta: d})
}

func (n *Node) lookup(id uint64) (*conn, error) {
	if c := n.registry.get(id); c != nil {
		return c, nil
	}
	return nil, errors.Wrapf(ErrUnknownConn, "conn %d", id)
}

// requireServing rejects transport-facing operations on a node that is not
// the one serving the remote peer.
func (n *Node) requireServing() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RolePrimary && n.role != RolePromoted {
		return errors.Wrapf(ErrNotServing, "role %s", n.role)
	}
	return nil
}
