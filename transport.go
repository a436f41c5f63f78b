package connmirror

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/connmirror/connmirror/internal/proto"
)

// link is one framed replication stream to a peer node. Writes are
// serialized; frames from concurrent senders never interleave.
type link struct {
	wmu sync.Mutex
	c   net.Conn
}

func newLink(c net.Conn) *link {
	return &link{c: c}
}

func (l *link) send(env *proto.Envelope) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return proto.WriteEnvelope(l.c, env)
}

func (l *link) recv() (*proto.Envelope, error) {
	var env proto.Envelope
	if _, err := proto.ReadEnvelope(l.c, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (l *link) close() error {
	return l.c.Close()
}

// AttachPeer registers a replication link over the given connection and
// starts its receive loop. A serving node immediately backfills the new
// peer with full snapshots of every live connection.
func (n *Node) AttachPeer(c net.Conn) {
	lk := newLink(c)
	n.mu.Lock()
	n.links = append(n.links, lk)
	serving := n.role == RolePrimary || n.role == RolePromoted
	n.mu.Unlock()
	n.l.Info("replication peer attached", "remote", c.RemoteAddr())

	if serving {
		go n.backfill(lk)
	}
	go n.recvLoop(lk)
}

// Dial connects to a peer node's replication listener and attaches it.
func (n *Node) Dial(ctx context.Context, network, addr string) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return errors.Wrapf(err, "can't dial replication peer %s", addr)
	}
	n.AttachPeer(c)
	return nil
}

// Serve accepts replication links on ln until it is closed.
func (n *Node) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				n.l.Info("replication listener closed, no longer accepting peers")
				return nil
			}
			return errors.Wrap(err, "error accepting replication peer")
		}
		n.AttachPeer(c)
	}
}

// Close detaches and closes every replication link.
func (n *Node) Close() {
	n.mu.Lock()
	links := n.links
	n.links = nil
	n.mu.Unlock()
	for _, lk := range links {
		lk.close()
	}
}

func (n *Node) recvLoop(lk *link) {
	for {
		env, err := lk.recv()
		if err != nil {
			n.detach(lk)
			if errors.Cause(err) != io.EOF {
				n.l.Info("replication link closed", "err", err)
			}
			return
		}
		switch {
		case env.Delta != nil:
			n.applyDelta(lk, env.Delta)
		case env.Ack != nil:
			n.handleAck(env.Ack)
		case env.Heartbeat != nil:
			n.ObserveHeartbeat(*env.Heartbeat)
		default:
			n.l.Debug("ignoring empty replication frame")
		}
	}
}

func (n *Node) detach(lk *link) {
	n.mu.Lock()
	for i, cur := range n.links {
		if cur == lk {
			n.links = append(n.links[:i], n.links[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	lk.close()
}
