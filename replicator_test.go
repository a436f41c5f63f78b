package connmirror

import (
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
	fakeclock "k8s.io/utils/clock/testing"

	"github.com/connmirror/connmirror/internal/proto"
)

var testTuple = FourTuple{LocalAddr: "10.0.0.1:443", RemoteAddr: "198.51.100.7:55310"}

// TestEndToEndReplication drives the full happy path between a primary and a
// watching replica joined by an in-process link: open, receive, send, drain
// both sides, close one direction, then promote the replica and check the
// takeover snapshot.
func TestEndToEndReplication(t *testing.T) {
	ctx := testCtx(t)
	promoted := make(chan Takeover, 1)

	a := newTestNode(t, clock.RealClock{}, 1, RolePrimary)
	b := newTestNode(t, clock.RealClock{}, 2, RoleWatching,
		WithPromotionSink(PromotionSinkFunc(func(tk Takeover) { promoted <- tk })))
	attach(t, a, b)

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}

	// The gate returns only after b acked the delta, so b's record is
	// up to date the moment we get control back.
	if err := a.SegmentReceived(ctx, 7, 5000, []byte("hello")); err != nil {
		t.Fatalf("segment gate: %v", err)
	}
	c := b.registry.get(7)
	if c == nil {
		t.Fatal("replica has no record of the connection")
	}
	c.mu.Lock()
	recvOK := c.recv.Contains(5000) && c.recv.Contains(5004) && !c.recv.Contains(5005)
	tuple := c.tuple
	c.mu.Unlock()
	if !recvOK {
		t.Fatal("replica is missing replicated receive bytes")
	}
	if tuple != testTuple {
		t.Fatalf("replica learned the wrong tuple: %v", tuple)
	}

	if err := a.ApplicationSend(ctx, 7, []byte("world!")); err != nil {
		t.Fatalf("send gate: %v", err)
	}
	c.mu.Lock()
	sendOK := c.send.Contains(1000) && c.send.Contains(1005)
	c.mu.Unlock()
	if !sendOK {
		t.Fatal("replica is missing replicated send bytes")
	}

	// Drains replicate in the background; wait for them to land.
	if err := a.PeerAcked(7, 1003); err != nil {
		t.Fatalf("peer ack: %v", err)
	}
	if err := a.Consumed(7, 3); err != nil {
		t.Fatalf("consume: %v", err)
	}
	waitFor(t, "drain replication", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.send.DrainedLow == 1003 && c.recv.DrainedLow == 5003
	})

	if err := a.StateTransition(ctx, 7, StateFinWait); err != nil {
		t.Fatalf("state gate: %v", err)
	}

	b.promote()
	tk := <-promoted
	if len(tk.Conns) != 1 {
		t.Fatalf("expected 1 connection in takeover, got %d", len(tk.Conns))
	}
	got := tk.Conns[0]
	if got.ID != 7 || got.Tuple != testTuple || got.State != StateFinWait {
		t.Fatalf("takeover identity wrong: %+v", got)
	}
	if got.AckPoint != 5005 {
		t.Errorf("expected ack point 5005, got %d", got.AckPoint)
	}
	if got.ResendFrom != 1003 {
		t.Errorf("expected resend from 1003, got %d", got.ResendFrom)
	}
	if b.Role() != RolePromoted {
		t.Errorf("expected promoted role, got %s", b.Role())
	}
}

// TestGateBlocksUntilAck holds a replica's ack back and checks that the
// peer-facing ACK gate stays blocked exactly until the ack arrives.
func TestGateBlocksUntilAck(t *testing.T) {
	ctx := testCtx(t)
	clk := fakeclock.NewFakeClock(time.Now())
	a := newTestNode(t, clk, 1, RolePrimary)

	p1, p2 := net.Pipe()
	t.Cleanup(func() { p1.Close(); p2.Close() })
	a.AttachPeer(p1)
	replica := newLink(p2)

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}

	gateDone := make(chan error, 1)
	go func() {
		gateDone <- a.SegmentReceived(ctx, 7, 5000, []byte("hello"))
	}()

	// Read frames until the data-bearing delta shows up, acking the empty
	// announcement deltas along the way.
	var dataDelta *proto.Delta
	for dataDelta == nil {
		env, err := replica.recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if env.Delta == nil {
			continue
		}
		if len(env.Delta.Ranges) > 0 {
			dataDelta = env.Delta
			continue
		}
		ack := &proto.Ack{ConnID: env.Delta.ConnID, Direction: env.Delta.Direction, AppliedSeq: env.Delta.Seq}
		if err := replica.send(&proto.Envelope{Ack: ack}); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	select {
	case err := <-gateDone:
		t.Fatalf("gate released before any replica acked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ack := &proto.Ack{ConnID: dataDelta.ConnID, Direction: dataDelta.Direction, AppliedSeq: dataDelta.Seq}
	if err := replica.send(&proto.Envelope{Ack: ack}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := <-gateDone; err != nil {
		t.Fatalf("gate returned an error after ack: %v", err)
	}
}

// TestDeltaReplayIdempotent applies the same delta twice and checks the
// record is bit-identical to applying it once.
func TestDeltaReplayIdempotent(t *testing.T) {
	b := newTestNode(t, clock.RealClock{}, 2, RoleWatching)

	p1, p2 := net.Pipe()
	t.Cleanup(func() { p1.Close(); p2.Close() })
	discardFrames(t, p2)
	lk := newLink(p1)

	d := &proto.Delta{
		ConnID:      7,
		Direction:   proto.DirectionRecv,
		BaseLogical: 5000,
		Ranges:      []proto.Range{{Offset: 0, Len: 5}, {Offset: 100, Len: 20}},
		DrainedLow:  5000,
		State:       uint32(StateEstablished),
		Seq:         3,
		LocalAddr:   testTuple.LocalAddr,
		RemoteAddr:  testTuple.RemoteAddr,
	}

	b.applyDelta(lk, d)
	c := b.registry.get(7)
	if c == nil {
		t.Fatal("record not created from replication traffic")
	}
	c.mu.Lock()
	once := c.recv
	c.mu.Unlock()

	b.applyDelta(lk, d)
	c.mu.Lock()
	twice := c.recv
	c.mu.Unlock()

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("replayed delta changed state:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

// TestDeltasCommuteAcrossReplicas applies the same deltas to two replicas in
// opposite orders; both must converge to the same record.
func TestDeltasCommuteAcrossReplicas(t *testing.T) {
	mk := func(t *testing.T) (*Node, *link) {
		n := newTestNode(t, clock.RealClock{}, 2, RoleWatching)
		p1, p2 := net.Pipe()
		t.Cleanup(func() { p1.Close(); p2.Close() })
		discardFrames(t, p2)
		return n, newLink(p1)
	}
	deltas := []*proto.Delta{
		{ConnID: 7, Direction: proto.DirectionRecv, BaseLogical: 5000,
			Ranges: []proto.Range{{Offset: 0, Len: 5}}, DrainedLow: 5000,
			State: uint32(StateEstablished), Seq: 1},
		{ConnID: 7, Direction: proto.DirectionRecv, BaseLogical: 5005,
			Ranges: []proto.Range{{Offset: 0, Len: 7}}, DrainedLow: 5002,
			State: uint32(StateFinWait), Seq: 2},
		{ConnID: 7, Direction: proto.DirectionRecv, BaseLogical: 5000,
			Ranges: []proto.Range{{Offset: 0, Len: 12}}, DrainedLow: 5000,
			State: uint32(StateEstablished), Seq: 3}, // stale backfill
	}

	x, xlk := mk(t)
	for _, d := range deltas {
		x.applyDelta(xlk, d)
	}
	y, ylk := mk(t)
	for i := len(deltas) - 1; i >= 0; i-- {
		y.applyDelta(ylk, deltas[i])
	}

	xc, yc := x.registry.get(7), y.registry.get(7)
	xc.mu.Lock()
	xrecv, xstate := xc.recv, xc.state
	xc.mu.Unlock()
	yc.mu.Lock()
	yrecv, ystate := yc.recv, yc.state
	yc.mu.Unlock()

	if !reflect.DeepEqual(xrecv, yrecv) {
		t.Fatalf("replicas diverged:\n%+v\n%+v", xrecv, yrecv)
	}
	if xstate != ystate || xstate != StateFinWait {
		t.Fatalf("state diverged or regressed: %s vs %s", xstate, ystate)
	}
}

// TestGateDroppedOnTeardown checks a blocked gate is released with
// ErrDropped when the connection is torn down, bounded only by the teardown
// signal, never by a timer.
func TestGateDroppedOnTeardown(t *testing.T) {
	ctx := testCtx(t)
	clk := fakeclock.NewFakeClock(time.Now())
	a := newTestNode(t, clk, 1, RolePrimary)

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}

	gateDone := make(chan error, 1)
	go func() {
		gateDone <- a.SegmentReceived(ctx, 7, 5000, []byte("hello"))
	}()

	a.Teardown(7)

	select {
	case err := <-gateDone:
		if errors.Cause(err) != ErrDropped {
			t.Fatalf("expected ErrDropped, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gate blocked past teardown")
	}
}

// TestRetryBudgetDisablesFailover exhausts the delta retry budget against a
// replica that never acks, and checks the connection degrades to
// unreplicated instead of blocking forever.
func TestRetryBudgetDisablesFailover(t *testing.T) {
	ctx := testCtx(t)
	clk := fakeclock.NewFakeClock(time.Now())
	a := newTestNode(t, clk, 1, RolePrimary,
		WithReplicationTimeout(10*time.Millisecond), WithMaxRetries(3))

	p1, p2 := net.Pipe()
	t.Cleanup(func() { p1.Close(); p2.Close() })
	a.AttachPeer(p1)
	discardFrames(t, p2)

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}

	gateDone := make(chan error, 1)
	go func() {
		gateDone <- a.SegmentReceived(ctx, 7, 5000, []byte("hello"))
	}()

	// Walk the fake clock forward until the retry budget runs out. Each
	// step covers the longest possible backoff, so every re-armed timer
	// fires.
	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-gateDone:
			if errors.Cause(err) != ErrReplicationTimeout {
				t.Fatalf("expected ErrReplicationTimeout, got %v", err)
			}
			c := a.registry.get(7)
			c.mu.Lock()
			unreplicated := c.unreplicated
			c.mu.Unlock()
			if !unreplicated {
				t.Fatal("connection not marked unreplicated")
			}
			// Further gates pass without blocking: the connection keeps
			// serving, it just lost its failover guarantee.
			if err := a.SegmentReceived(ctx, 7, 5005, []byte("more")); err != nil {
				t.Fatalf("unreplicated gate should release immediately: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("retry budget never ran out")
		default:
			clk.Step(maxReplicationBackoff)
			time.Sleep(time.Millisecond)
		}
	}
}

// TestGatesRefusedOffPrimary verifies a watching node refuses transport
// gates rather than fabricating unreplicated facts.
func TestGatesRefusedOffPrimary(t *testing.T) {
	ctx := testCtx(t)
	b := newTestNode(t, clock.RealClock{}, 2, RoleWatching)
	if err := b.SegmentReceived(ctx, 7, 5000, []byte("x")); errors.Cause(err) != ErrNotServing {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
	if err := b.Open(7, testTuple, 1, 2); errors.Cause(err) != ErrNotServing {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
	if err := b.PeerAcked(7, 100); errors.Cause(err) != ErrNotServing {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
	if err := b.Consumed(7, 1); errors.Cause(err) != ErrNotServing {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
}

// TestIllegalTransitionResetsConn checks an illegal local state advance is
// fatal to that connection only.
func TestIllegalTransitionResetsConn(t *testing.T) {
	ctx := testCtx(t)
	a := newTestNode(t, clock.RealClock{}, 1, RolePrimary)
	b := newTestNode(t, clock.RealClock{}, 2, RoleWatching)
	attach(t, a, b)

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Open(8, testTuple, 2000, 6000); err != nil {
		t.Fatalf("open: %v", err)
	}

	err := a.StateTransition(ctx, 7, StateLastAck)
	if _, ok := err.(*IllegalTransitionError); !ok {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	c := a.registry.get(7)
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateReset {
		t.Fatalf("expected the connection to be reset, got %s", state)
	}

	// The unrelated connection is untouched.
	if err := a.SegmentReceived(ctx, 8, 6000, []byte("fine")); err != nil {
		t.Fatalf("unrelated connection was disturbed: %v", err)
	}

	// The reset replicates so the replica's record reaches terminal and is
	// reclaimable instead of lingering established forever.
	waitFor(t, "reset replication", func() bool {
		rc := b.registry.get(7)
		if rc == nil {
			return false
		}
		rc.mu.Lock()
		defer rc.mu.Unlock()
		return rc.state == StateReset
	})
}

// TestSequenceDesyncTearsDownConn feeds a wire sequence outside the live
// window and checks the connection is dropped rather than merged corrupt.
func TestSequenceDesyncTearsDownConn(t *testing.T) {
	ctx := testCtx(t)
	a := newTestNode(t, clock.RealClock{}, 1, RolePrimary)
	b := newTestNode(t, clock.RealClock{}, 2, RoleWatching)
	attach(t, a, b)

	if err := a.Open(7, testTuple, 1000, 0x1000); err != nil {
		t.Fatalf("open: %v", err)
	}
	err := a.SegmentReceived(ctx, 7, 0x80001000, []byte("x"))
	if _, ok := err.(*SequenceDesyncError); !ok {
		t.Fatalf("expected SequenceDesyncError, got %v", err)
	}
	c := a.registry.get(7)
	c.mu.Lock()
	desynced, state := c.desynced, c.state
	c.mu.Unlock()
	if !desynced || state != StateReset {
		t.Fatalf("expected a desynced, reset connection, got desynced=%v state=%s", desynced, state)
	}
}

// TestBackfillNewReplica attaches a fresh replica after traffic has flowed
// and checks it converges from the full snapshot alone.
func TestBackfillNewReplica(t *testing.T) {
	ctx := testCtx(t)
	a := newTestNode(t, clock.RealClock{}, 1, RolePrimary)
	b := newTestNode(t, clock.RealClock{}, 2, RoleWatching)
	attach(t, a, b)

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.SegmentReceived(ctx, 7, 5000, []byte("hello")); err != nil {
		t.Fatalf("segment: %v", err)
	}
	if err := a.ApplicationSend(ctx, 7, []byte("world")); err != nil {
		t.Fatalf("send: %v", err)
	}

	// A second replica attaches late and learns everything via backfill.
	c2 := newTestNode(t, clock.RealClock{}, 3, RoleWatching)
	attach(t, a, c2)

	waitFor(t, "backfill convergence", func() bool {
		c := c2.registry.get(7)
		if c == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.pending && c.recv.Contains(5004) && c.send.Contains(1004)
	})
}

// TestAckDoesNotCrossDirections pins down the ack granularity: an ack for
// one direction, even at a higher sequence number, must not release the
// other direction's gate or advance its incremental floor. Send and receive
// deltas never subsume each other.
func TestAckDoesNotCrossDirections(t *testing.T) {
	ctx := testCtx(t)
	clk := fakeclock.NewFakeClock(time.Now())
	a := newTestNode(t, clk, 1, RolePrimary)

	p1, p2 := net.Pipe()
	t.Cleanup(func() { p1.Close(); p2.Close() })
	a.AttachPeer(p1)
	replica := newLink(p2)

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}

	gateDone := make(chan error, 1)
	go func() {
		gateDone <- a.SegmentReceived(ctx, 7, 5000, []byte("hello"))
	}()

	var dataDelta *proto.Delta
	for dataDelta == nil {
		env, err := replica.recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if env.Delta == nil {
			continue
		}
		if len(env.Delta.Ranges) > 0 {
			dataDelta = env.Delta
			continue
		}
		ack := &proto.Ack{ConnID: env.Delta.ConnID, Direction: env.Delta.Direction, AppliedSeq: env.Delta.Seq}
		if err := replica.send(&proto.Envelope{Ack: ack}); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	// Attest the send direction well past the receive delta's sequence
	// number. The receive gate must stay blocked: no replica holds the
	// receive bytes yet.
	wrongDir := &proto.Ack{ConnID: 7, Direction: proto.DirectionSend, AppliedSeq: dataDelta.Seq + 10}
	if err := replica.send(&proto.Envelope{Ack: wrongDir}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	select {
	case err := <-gateDone:
		t.Fatalf("receive gate released by a send-direction ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	c := a.registry.get(7)
	c.mu.Lock()
	recvHigh := c.ackedHigh[proto.DirectionRecv]
	c.mu.Unlock()
	if recvHigh != 5000 {
		t.Fatalf("receive floor advanced to %d without a receive ack; those bytes would never be re-sent", recvHigh)
	}

	right := &proto.Ack{ConnID: 7, Direction: proto.DirectionRecv, AppliedSeq: dataDelta.Seq}
	if err := replica.send(&proto.Envelope{Ack: right}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := <-gateDone; err != nil {
		t.Fatalf("gate returned an error after the matching ack: %v", err)
	}
	c.mu.Lock()
	recvHigh = c.ackedHigh[proto.DirectionRecv]
	c.mu.Unlock()
	if recvHigh != 5005 {
		t.Fatalf("expected receive floor 5005 after the matching ack, got %d", recvHigh)
	}
}

// TestTeardownReplicatesReset checks a local teardown ships one final delta
// so replicas reach the terminal state and can reclaim the record, rather
// than keeping it established forever and restoring it at promotion.
func TestTeardownReplicatesReset(t *testing.T) {
	ctx := testCtx(t)
	a := newTestNode(t, clock.RealClock{}, 1, RolePrimary)
	b := newTestNode(t, clock.RealClock{}, 2, RoleWatching)
	attach(t, a, b)

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.SegmentReceived(ctx, 7, 5000, []byte("hello")); err != nil {
		t.Fatalf("segment: %v", err)
	}

	a.Teardown(7)
	waitFor(t, "reset replication", func() bool {
		c := b.registry.get(7)
		if c == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state == StateReset && !c.closedAt.IsZero()
	})
}

// TestReplicaCatchUpRestoresGating degrades a connection to unreplicated
// against total silence, then attaches a healthy replica and checks the
// connection regains its gate once an ack lands.
func TestReplicaCatchUpRestoresGating(t *testing.T) {
	ctx := testCtx(t)
	clk := fakeclock.NewFakeClock(time.Now())
	a := newTestNode(t, clk, 1, RolePrimary,
		WithReplicationTimeout(10*time.Millisecond), WithMaxRetries(2))

	if err := a.Open(7, testTuple, 1000, 5000); err != nil {
		t.Fatalf("open: %v", err)
	}

	gateDone := make(chan error, 1)
	go func() {
		gateDone <- a.SegmentReceived(ctx, 7, 5000, []byte("hello"))
	}()
	deadline := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case err := <-gateDone:
			if errors.Cause(err) != ErrReplicationTimeout {
				t.Fatalf("expected ErrReplicationTimeout, got %v", err)
			}
			done = true
		case <-deadline:
			t.Fatal("retry budget never ran out")
		default:
			clk.Step(maxReplicationBackoff)
			time.Sleep(time.Millisecond)
		}
	}
	c := a.registry.get(7)
	c.mu.Lock()
	unreplicated := c.unreplicated
	c.mu.Unlock()
	if !unreplicated {
		t.Fatal("connection not marked unreplicated")
	}

	// A healthy replica attaches; its backfill acks flow and the degraded
	// connection recovers.
	p1, p2 := net.Pipe()
	t.Cleanup(func() { p1.Close(); p2.Close() })
	a.AttachPeer(p1)
	ackAllDeltas(t, p2)

	waitFor(t, "failover re-enable", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.unreplicated
	})

	// The next segment rides the gated path again, through to an advanced
	// acked floor.
	if err := a.SegmentReceived(ctx, 7, 5005, []byte("more")); err != nil {
		t.Fatalf("recovered gate: %v", err)
	}
	c.mu.Lock()
	recvHigh := c.ackedHigh[proto.DirectionRecv]
	c.mu.Unlock()
	if recvHigh != 5009 {
		t.Fatalf("expected receive floor 5009 after the recovered gate, got %d", recvHigh)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
