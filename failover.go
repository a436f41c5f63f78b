package connmirror

import (
	"context"
	"fmt"
	"time"

	"github.com/connmirror/connmirror/internal/proto"
)

// Role is the failover posture of a node. It is a small finite state
// machine with the following transitions:
// Watching  → Promoting
// Promoting → Promoted
//
// Primary and Promoted are terminal: demotion is an operator action, not
// something this engine does on its own.
type Role string

const (
	// RolePrimary serves the remote peer's transport traffic and replicates
	// every externally visible fact before releasing it.
	RolePrimary Role = "primary"
	// RoleWatching is a standby applying inbound deltas while watching the
	// primary's heartbeat.
	RoleWatching Role = "watching"
	// RolePromoting is the freeze window while a watching node takes the
	// merged state as authoritative.
	RolePromoting Role = "promoting"
	// RolePromoted serves transport traffic reconstructed purely from the
	// merged state, with no renegotiation with the remote peer.
	RolePromoted Role = "promoted"
)

var validRoleTransitions = map[Role][]Role{
	RolePrimary:   {},
	RoleWatching:  {RolePromoting},
	RolePromoting: {RolePromoted},
	RolePromoted:  {},
}

func (r *Role) canTransitionTo(role Role) error {
	for _, target := range validRoleTransitions[*r] {
		if target == role {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *r, role)
}

func (r *Role) transitionTo(role Role) error {
	if err := r.canTransitionTo(role); err != nil {
		return err
	}
	*r = role
	return nil
}

// ConnTakeover is everything a promoted node's transport stack needs to
// resume serving one connection from merged state alone.
type ConnTakeover struct {
	ID    uint64
	Tuple FourTuple
	State ConnState
	Send  RangeSet
	Recv  RangeSet

	// AckPoint is the highest logical offset L with every received byte
	// below L present. The peer-facing ACK is its wire truncation,
	// uint32(AckPoint): logical and wire sequence numbers agree mod 2^32.
	AckPoint uint64
	// ResendFrom is the lowest sent byte the peer has not acknowledged;
	// retransmission restarts here.
	ResendFrom uint64
}

// Takeover is the promotion snapshot delivered to the PromotionSink.
type Takeover struct {
	NodeID uint64
	Epoch  uint64
	Conns  []ConnTakeover
}

// PromotionSink consumes the takeover snapshot when this node promotes.
// The sink runs on the watcher goroutine; it should hand off and return.
type PromotionSink interface {
	Promoted(t Takeover)
}

// PromotionSinkFunc adapts a function to the PromotionSink interface.
type PromotionSinkFunc func(t Takeover)

// Promoted implements PromotionSink.
func (f PromotionSinkFunc) Promoted(t Takeover) { f(t) }

// Role returns the node's current failover posture.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// ObserveHeartbeat feeds one liveness signal about the serving node. Links
// deliver these automatically; an external failure-detector feed may call
// it directly as well. Signals from a stale epoch are ignored.
func (n *Node) ObserveHeartbeat(hb proto.Heartbeat) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if hb.Epoch < n.beatEpoch {
		return
	}
	n.beatEpoch = hb.Epoch
	n.lastBeat = n.clk.Now()
}

// Watch runs the failover watcher until ctx ends. On a watching node it
// promotes once the primary's heartbeat has been silent beyond the
// configured threshold. On every node it sweeps reclaimable terminal
// connection records as it goes.
func (n *Node) Watch(ctx context.Context) error {
	poll := n.heartbeatTimeout / 4
	if poll <= 0 {
		poll = time.Second
	}
	for {
		timer := n.clk.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}

		n.registry.sweep(n.clk.Now(), n.reclaimGrace)

		n.mu.Lock()
		role := n.role
		silent := n.clk.Now().Sub(n.lastBeat) > n.heartbeatTimeout
		n.mu.Unlock()
		if role == RoleWatching && silent {
			n.promote()
		}
	}
}

// promote freezes merging, takes the latest merged buffer and state
// snapshots as authoritative, and flips the node to serving. Connections
// that cannot be restored safely are dropped instead of restored:
// incomplete backfills, desynced sequence mappings, and anything not in an
// established, non-terminal state. Should the old primary reappear inside
// the failover window, replication continues and both sides converge; which
// node the remote peer reaches is the routing fabric's problem, not ours.
func (n *Node) promote() {
	n.mu.Lock()
	if err := n.role.transitionTo(RolePromoting); err != nil {
		n.mu.Unlock()
		n.l.Error("cannot promote", "err", err)
		return
	}
	epoch := n.beatEpoch + 1
	n.mu.Unlock()
	n.l.Warn("primary heartbeat lost, promoting", "node", n.id, "epoch", epoch)

	conns := n.registry.all()
	for _, c := range conns {
		c.mu.Lock()
		c.frozen = true
		c.mu.Unlock()
	}

	var takeovers []ConnTakeover
	var dropped []*conn
	for _, c := range conns {
		c.mu.Lock()
		restorable := c.state.established() && !c.state.terminal() && !c.desynced && !c.pending
		if !restorable {
			c.mu.Unlock()
			dropped = append(dropped, c)
			continue
		}
		takeovers = append(takeovers, ConnTakeover{
			ID:         c.id,
			Tuple:      c.tuple,
			State:      c.state,
			Send:       c.send,
			Recv:       c.recv,
			AckPoint:   c.recv.ContiguousEnd(),
			ResendFrom: c.send.DrainedLow,
		})
		c.mu.Unlock()
	}
	for _, c := range dropped {
		c.l.Info("dropping unrestorable connection at promotion")
		c.teardown()
		n.registry.remove(c.id)
	}

	n.mu.Lock()
	if err := n.role.transitionTo(RolePromoted); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", RolePromoted, err))
	}
	n.beatEpoch = epoch
	sink := n.sink
	n.mu.Unlock()

	// Snapshot taken; merging may resume so a reappearing primary still
	// converges with us.
	for _, c := range conns {
		c.mu.Lock()
		c.frozen = false
		c.mu.Unlock()
	}

	n.l.Info("promoted", "connections", len(takeovers), "dropped", len(dropped))
	if sink != nil {
		sink.Promoted(Takeover{NodeID: n.id, Epoch: epoch, Conns: takeovers})
	}
}

// RunHeartbeat announces liveness to attached replicas every interval until
// ctx ends. Run it on the node currently serving transport traffic.
func (n *Node) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := n.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
		n.mu.Lock()
		hb := &proto.Heartbeat{NodeID: n.id, Epoch: n.beatEpoch}
		n.mu.Unlock()
		n.broadcast(ctx, &proto.Envelope{Heartbeat: hb})
	}
}
