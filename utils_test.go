package connmirror

import (
	"context"
	"net"
	"testing"

	"github.com/inconshreveable/log15"
	"k8s.io/utils/clock"

	"github.com/connmirror/connmirror/internal/proto"
)

var l = log15.New()

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// attach joins two nodes with an in-process replication link.
func attach(t *testing.T, a, b *Node) {
	t.Helper()
	p1, p2 := net.Pipe()
	t.Cleanup(func() {
		p1.Close()
		p2.Close()
	})
	a.AttachPeer(p1)
	b.AttachPeer(p2)
}

func newTestNode(t *testing.T, clk clock.WithTicker, id uint64, role Role, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{WithLogger(l.New("node", id))}, opts...)
	n, err := newNode(clk, id, role, opts...)
	if err != nil {
		t.Fatalf("error creating node: %v", err)
	}
	t.Cleanup(n.Close)
	return n
}

// ackAllDeltas reads frames off one end of a link and acknowledges every
// delta, standing in for a live replica where only the primary side is
// under test.
func ackAllDeltas(t *testing.T, c net.Conn) {
	t.Helper()
	lk := newLink(c)
	go func() {
		for {
			env, err := lk.recv()
			if err != nil {
				return
			}
			if env.Delta == nil {
				continue
			}
			ack := &proto.Ack{ConnID: env.Delta.ConnID, Direction: env.Delta.Direction, AppliedSeq: env.Delta.Seq}
			if err := lk.send(&proto.Envelope{Ack: ack}); err != nil {
				return
			}
		}
	}()
}

// discardFrames keeps one end of a pipe drained without ever acking, so
// sends don't block but replication never completes.
func discardFrames(t *testing.T, c net.Conn) {
	t.Helper()
	lk := newLink(c)
	go func() {
		for {
			if _, err := lk.recv(); err != nil {
				return
			}
		}
	}()
}
