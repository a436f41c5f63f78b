package connmirror

import (
	"fmt"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/connmirror/connmirror/internal/proto"
)

// FourTuple identifies a connection by its two endpoints, in textual
// host:port form. It is immutable for the life of the connection.
type FourTuple struct {
	LocalAddr  string
	RemoteAddr string
}

func (t FourTuple) String() string {
	return fmt.Sprintf("%s<->%s", t.LocalAddr, t.RemoteAddr)
}

// conn is the replicated record for one transport connection: both buffer
// snapshots, both sequence translators, and the state value. All fields
// behind mu are owned by the replication path for this connection; nothing
// else mutates them. Connections are fully independent of each other.
type conn struct {
	id    uint64
	tuple FourTuple

	mu      sync.Mutex
	send    RangeSet
	recv    RangeSet
	sendSeq seqTranslator
	recvSeq seqTranslator
	state   ConnState

	// pending marks a replica-side record built from replication traffic
	// that has not yet merged a delta for both directions; such a record is
	// incomplete and never promoted.
	pending bool
	// seenDir tracks which directions have merged at least one delta.
	seenDir [2]bool
	// unreplicated is set when a delta exhausts its retry budget. The
	// connection keeps serving locally but failover is disabled for it.
	unreplicated bool
	// frozen refuses further merges while a promotion snapshot is taken.
	frozen bool
	// desynced marks a connection whose wire sequence mapping could not be
	// resolved; it is dropped rather than risk merging corrupted ranges.
	desynced bool

	// ackedHigh is, per direction, the highest logical offset some replica
	// has acknowledged. It is the floor for incremental deltas: everything
	// above it is re-sent until acked, which is safe because merge is
	// idempotent.
	ackedHigh [2]uint64
	// appliedSeq is, per direction, the replica-side cumulative high of
	// applied delta sequence numbers, echoed back in acks. Kept per direction
	// because a send delta never subsumes a receive delta.
	appliedSeq [2]uint64

	doneOnce sync.Once
	doneC    chan struct{}

	// closedAt starts the reclaim grace period once the state is terminal.
	closedAt time.Time

	l log15.Logger
}

// teardown releases every blocked replication gate for this connection with
// ErrDropped. Idempotent.
func (c *conn) teardown() {
	c.doneOnce.Do(func() { close(c.doneC) })
}

func (c *conn) done() <-chan struct{} {
	return c.doneC
}

// buffer returns the RangeSet for one direction. Caller holds c.mu.
func (c *conn) buffer(dir proto.Direction) *RangeSet {
	if dir == proto.DirectionSend {
		return &c.send
	}
	return &c.recv
}

// translator returns the sequence translator for one direction. Caller
// holds c.mu.
func (c *conn) translator(dir proto.Direction) *seqTranslator {
	if dir == proto.DirectionSend {
		return &c.sendSeq
	}
	return &c.recvSeq
}

// registry is the arena of connection records owned by one node, keyed by
// connection id. There is no shared mutable state across connections; the
// registry lock only guards the map itself.
type registry struct {
	mu    sync.Mutex
	conns map[uint64]*conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[uint64]*conn)}
}

func (r *registry) get(id uint64) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

// add inserts c, refusing duplicates.
func (r *registry) add(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; ok {
		return false
	}
	r.conns[c.id] = c
	return true
}

// getOrCreate returns the record for id, building one with mk under the
// registry lock if none exists. This is how a replica learns of a connection
// from a delta referencing an unknown id.
func (r *registry) getOrCreate(id uint64, mk func() *conn) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		return c
	}
	c := mk()
	r.conns[id] = c
	return c
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *registry) all() []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// sweep reclaims records whose state went terminal at least grace ago. The
// grace period lets late replication traffic for a closed connection still
// find its record instead of resurrecting a ghost.
func (r *registry) sweep(now time.Time, grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		c.mu.Lock()
		expired := c.state.terminal() && !c.closedAt.IsZero() && now.Sub(c.closedAt) >= grace
		c.mu.Unlock()
		if expired {
			c.teardown()
			delete(r.conns, id)
		}
	}
}
