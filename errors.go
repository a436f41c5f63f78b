package connmirror

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDropped is returned from a blocked replication gate when the
	// connection is torn down before the gate's delta is acknowledged.
	// Callers must treat it as "no guarantee": the bytes may or may not have
	// reached a replica. It is neither success nor a hard failure.
	ErrDropped = errors.New("connection dropped while awaiting replication")

	// ErrReplicationTimeout indicates a delta exhausted its retry budget
	// without any replica acknowledging it. The connection stays up but is
	// marked unreplicated: failover is disabled for it.
	ErrReplicationTimeout = errors.New("delta not acknowledged within the retry budget")

	// ErrUnknownConn is returned by operations referencing a connection id
	// this node has no record of.
	ErrUnknownConn = errors.New("no connection with that id")

	// ErrNotServing is returned from transport-facing gates on a node that is
	// neither the primary nor promoted.
	ErrNotServing = errors.New("node is not serving transport traffic")
)

// IllegalTransitionError reports a connection state advance that the legal
// transition DAG does not permit. It is fatal to the connection: the record
// is reset and torn down. Unrelated connections are unaffected.
type IllegalTransitionError struct {
	From, To ConnState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

// HandshakeDesyncError reports replication traffic disagreeing about a
// pre-established state. Pre-established states are never merged; the
// connection is torn down and the transport stack redoes the handshake.
type HandshakeDesyncError struct {
	Local, Remote ConnState
}

func (e *HandshakeDesyncError) Error() string {
	return fmt.Sprintf("pre-established state disagreement: local %s, remote %s", e.Local, e.Remote)
}

// SequenceDesyncError reports a wire sequence number whose wraparound
// ambiguity cannot be resolved against the logical high-water mark. The
// connection must be dropped rather than risk merging corrupted ranges.
type SequenceDesyncError struct {
	Wire uint32
	High uint64
}

func (e *SequenceDesyncError) Error() string {
	return fmt.Sprintf("wire sequence %#x is outside the live window around logical %#x", e.Wire, e.High)
}
