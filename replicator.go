package connmirror

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/connmirror/connmirror/internal/proto"
)

// deltaLocked builds a delta for one direction of c covering everything at
// or above floor. The caller holds c.mu. Passing the replica-acknowledged
// high as floor yields an incremental delta; passing the drained watermark
// yields a full backfill snapshot. Unacknowledged content is included again
// on every build, which is what makes at-least-once re-sending safe to
// combine with cumulative acks.
func (n *Node) deltaLocked(c *conn, dir proto.Direction, floor uint64) *proto.Delta {
	rs := c.buffer(dir)
	inc := rs.Above(floor)
	base := rs.DrainedLow
	if len(inc.Intervals) > 0 {
		base = inc.Intervals[0].Start
	}
	return &proto.Delta{
		ConnID:      c.id,
		Direction:   dir,
		BaseLogical: base,
		Ranges:      wireRanges(inc.Intervals, base),
		DrainedLow:  rs.DrainedLow,
		State:       uint32(c.state),
		Seq:         n.nextDeltaSeq(),
		LocalAddr:   c.tuple.LocalAddr,
		RemoteAddr:  c.tuple.RemoteAddr,
	}
}

func (n *Node) nextDeltaSeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextSeq++
	return n.nextSeq
}

// deltaHigh is the highest logical offset a delta describes.
func deltaHigh(d *proto.Delta) uint64 {
	h := d.DrainedLow
	for _, rg := range d.Ranges {
		if end := d.BaseLogical + uint64(rg.Offset) + uint64(rg.Len); end > h {
			h = end
		}
	}
	return h
}

// replicate ships a delta at-least-once and blocks until a replica
// acknowledges it, the connection is torn down, the context ends, or the
// retry budget runs out. This wait is the synchronization point that holds
// back externally visible effects, and it is the dominant source of added
// latency by design.
func (n *Node) replicate(ctx context.Context, c *conn, d *proto.Delta) error {
	ackedC := n.registerPending(c.id, d.Direction, d.Seq)
	defer n.clearPending(d.Seq)

	backoff := n.replTimeout
	for attempt := 1; ; attempt++ {
		n.broadcast(ctx, &proto.Envelope{Delta: d})

		timer := n.clk.NewTimer(backoff)
		select {
		case <-ackedC:
			timer.Stop()
			n.noteAcked(c, d)
			return nil
		case <-c.done():
			timer.Stop()
			return ErrDropped
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "replication wait canceled")
		case <-timer.C():
		}

		if attempt >= n.maxRetries {
			c.mu.Lock()
			c.unreplicated = true
			c.mu.Unlock()
			c.l.Warn("delta unacknowledged after retries, disabling failover for connection",
				"seq", d.Seq, "attempts", attempt)
			return errors.Wrapf(ErrReplicationTimeout, "delta %d", d.Seq)
		}
		backoff *= 2
		if backoff > maxReplicationBackoff {
			backoff = maxReplicationBackoff
		}
		c.l.Debug("delta unacknowledged, re-sending", "seq", d.Seq, "attempt", attempt, "backoff", backoff)
	}
}

// replicateAsync ships a delta on the acknowledged retry path without
// blocking the caller. Used for drain advances and record announcements,
// which are safe to lose: merge re-derives them from any later delta.
func (n *Node) replicateAsync(c *conn, d *proto.Delta) {
	go func() {
		err := n.replicate(context.Background(), c, d)
		if err != nil && errors.Cause(err) != ErrDropped {
			c.l.Warn("background delta replication failed", "seq", d.Seq, "err", err)
		}
	}()
}

func (n *Node) registerPending(connID uint64, dir proto.Direction, seq uint64) chan struct{} {
	ch := make(chan struct{})
	n.mu.Lock()
	n.pending[seq] = pendingWait{connID: connID, dir: dir, ackedC: ch}
	n.mu.Unlock()
	return ch
}

func (n *Node) clearPending(seq uint64) {
	n.mu.Lock()
	delete(n.pending, seq)
	n.mu.Unlock()
}

// handleAck releases every pending wait for the acked connection and
// direction at or below the cumulative applied sequence number. The counter
// is per direction: a send delta never carries receive bytes, so an ack for
// one direction says nothing about the other.
func (n *Node) handleAck(a *proto.Ack) {
	n.mu.Lock()
	for seq, w := range n.pending {
		if w.connID == a.ConnID && w.dir == a.Direction && seq <= a.AppliedSeq {
			close(w.ackedC)
			delete(n.pending, seq)
		}
	}
	n.mu.Unlock()

	// Any ack proves a replica is applying this connection's deltas again.
	// A connection degraded to unreplicated has been broadcasting everything
	// above its stale acked floor, so the acked delta covers the backlog and
	// the failover guarantee is restored.
	if c := n.registry.get(a.ConnID); c != nil {
		c.mu.Lock()
		was := c.unreplicated
		c.unreplicated = false
		c.mu.Unlock()
		if was {
			c.l.Info("replica caught up, re-enabling failover")
		}
	}
}

// noteAcked advances the incremental-delta floor for the acked direction.
func (n *Node) noteAcked(c *conn, d *proto.Delta) {
	high := deltaHigh(d)
	c.mu.Lock()
	if high > c.ackedHigh[d.Direction] {
		c.ackedHigh[d.Direction] = high
	}
	c.mu.Unlock()
}

// applyDelta merges one inbound delta into the local record. Merge is
// idempotent and commutative, so deltas may arrive duplicated, out of
// order, or interleaved with a backfill snapshot and still reach the same
// fixed point. Errors here are isolated to the one connection.
func (n *Node) applyDelta(lk *link, d *proto.Delta) {
	st := ConnState(d.State)
	if !st.established() {
		// A replicated reference to a pre-established state means the nodes
		// disagree about a handshake. Drop the record; the transport stack
		// redoes the handshake.
		n.l.Warn("replication referenced a pre-established state, dropping connection",
			"conn", d.ConnID, "state", st)
		if c := n.registry.get(d.ConnID); c != nil {
			c.teardown()
			n.registry.remove(d.ConnID)
		}
		return
	}

	c := n.registry.getOrCreate(d.ConnID, func() *conn {
		nc := &conn{
			id:      d.ConnID,
			tuple:   FourTuple{LocalAddr: d.LocalAddr, RemoteAddr: d.RemoteAddr},
			state:   st,
			pending: true,
			doneC:   make(chan struct{}),
			l:       n.l.New("conn", d.ConnID),
		}
		nc.l.Debug("record created from replication traffic, backfilling")
		return nc
	})

	c.mu.Lock()
	if c.frozen {
		c.mu.Unlock()
		c.l.Debug("dropping delta for frozen connection", "seq", d.Seq)
		return
	}
	merged, err := mergeStates(c.state, st)
	if err != nil {
		c.mu.Unlock()
		c.l.Warn("handshake desync, dropping connection", "err", err)
		c.teardown()
		n.registry.remove(d.ConnID)
		return
	}
	c.state = merged
	if merged.terminal() && c.closedAt.IsZero() {
		c.closedAt = n.clk.Now()
	}

	remote := RangeSet{
		Intervals:  intervalsFromWire(d.BaseLogical, d.Ranges),
		DrainedLow: d.DrainedLow,
	}
	rs := c.buffer(d.Direction)
	*rs = rs.Merge(remote)
	c.translator(d.Direction).advance(rs.HighWater())

	// The record stays pending until both directions have merged at least
	// once; only then is it complete enough to promote.
	c.seenDir[d.Direction] = true
	if c.seenDir[proto.DirectionSend] && c.seenDir[proto.DirectionRecv] {
		c.pending = false
	}
	if d.Seq > c.appliedSeq[d.Direction] {
		c.appliedSeq[d.Direction] = d.Seq
	}
	ack := &proto.Ack{ConnID: c.id, Direction: d.Direction, AppliedSeq: c.appliedSeq[d.Direction]}
	c.mu.Unlock()

	if err := lk.send(&proto.Envelope{Ack: ack}); err != nil {
		n.l.Debug("failed to ack delta; sender will retry", "conn", d.ConnID, "err", err)
	}
}

// backfill ships full snapshots of every live connection to a newly
// attached replica. The live delta stream may interleave freely: the
// replica's merge reaches the same fixed point either way.
func (n *Node) backfill(lk *link) {
	for _, c := range n.registry.all() {
		c.mu.Lock()
		if !c.state.established() || c.state.terminal() || c.desynced {
			c.mu.Unlock()
			continue
		}
		sendD := n.deltaLocked(c, proto.DirectionSend, c.send.DrainedLow)
		recvD := n.deltaLocked(c, proto.DirectionRecv, c.recv.DrainedLow)
		c.mu.Unlock()

		for _, d := range []*proto.Delta{sendD, recvD} {
			if err := lk.send(&proto.Envelope{Delta: d}); err != nil {
				n.l.Info("backfill interrupted", "err", err)
				return
			}
		}
	}
}

// broadcast fans a frame out to every attached link. Individual send
// failures are left to the at-least-once retry loop; the failing link is
// detached by its receive loop.
func (n *Node) broadcast(ctx context.Context, env *proto.Envelope) {
	n.mu.Lock()
	links := make([]*link, len(n.links))
	copy(links, n.links)
	n.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, lk := range links {
		lk := lk
		g.Go(func() error {
			return lk.send(env)
		})
	}
	if err := g.Wait(); err != nil {
		n.l.Debug("replication send failed", "err", err)
	}
}
