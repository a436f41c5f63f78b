package connmirror

// ConnState is the transport state of a connection as this engine tracks it.
//
// The states split into two partitions. The pre-established states cover the
// handshake, which is never replicated: a failed-over handshake is simply
// dropped and redone, so these states are not merge-eligible. The
// established-and-beyond states carry a progress index that is a topological
// linearization of the legal transition DAG below; once established, a
// connection only ever moves to a higher index, so the lattice join of two
// replicated states is max by progress index.
type ConnState uint32

const (
	// StateSynSent and StateSynReceived are the pre-established transient
	// states. Replication traffic referencing them means the two nodes
	// disagree about a handshake, which tears the connection down.
	StateSynSent ConnState = iota + 1
	StateSynReceived

	// Established-and-beyond, in progress-index order.
	StateEstablished
	StateFinWait
	StateCloseWait
	StateLastAck
	StateTimeWait
	StateClosed
	StateReset
)

func (s ConnState) String() string {
	switch s {
	case StateSynSent:
		return "syn-sent"
	case StateSynReceived:
		return "syn-received"
	case StateEstablished:
		return "established"
	case StateFinWait:
		return "fin-wait"
	case StateCloseWait:
		return "close-wait"
	case StateLastAck:
		return "last-ack"
	case StateTimeWait:
		return "time-wait"
	case StateClosed:
		return "closed"
	case StateReset:
		return "reset"
	}
	return "unknown"
}

// progressIndex totally orders the established-and-beyond partition. Closed
// and Reset carry the highest indices, which makes the terminal states
// absorbing under merge with no special casing.
var progressIndex = map[ConnState]int{
	StateEstablished: 1,
	StateFinWait:     2,
	StateCloseWait:   3,
	StateLastAck:     4,
	StateTimeWait:    5,
	StateClosed:      6,
	StateReset:       7,
}

// established reports whether s is in the merge-eligible partition.
func (s ConnState) established() bool {
	_, ok := progressIndex[s]
	return ok
}

// terminal states end the connection's lifecycle; the record is reclaimed
// after a grace period for late replication traffic.
func (s ConnState) terminal() bool {
	return s == StateClosed || s == StateReset
}

// validTransitions is the legal transition DAG for locally observed state
// advances. Reset is reachable from everywhere non-terminal.
var validTransitions = map[ConnState][]ConnState{
	StateSynSent:     {StateEstablished, StateClosed, StateReset},
	StateSynReceived: {StateEstablished, StateClosed, StateReset},
	StateEstablished: {StateFinWait, StateCloseWait, StateReset},
	StateFinWait:     {StateTimeWait, StateReset},
	StateCloseWait:   {StateLastAck, StateReset},
	StateLastAck:     {StateClosed, StateReset},
	StateTimeWait:    {StateClosed, StateReset},
	StateClosed:      {},
	StateReset:       {},
}

// observeTransition validates a locally observed state advance against the
// DAG. An IllegalTransitionError is a local bug or protocol violation and is
// fatal to the connection.
func observeTransition(cur, next ConnState) error {
	for _, t := range validTransitions[cur] {
		if t == next {
			return nil
		}
	}
	return &IllegalTransitionError{From: cur, To: next}
}

// mergeStates is the lattice join of a local and a replicated state. Both
// established: max by progress index. Either side pre-established and
// disagreeing: HandshakeDesyncError, resolved by tearing down and letting
// the transport stack redo the handshake.
func mergeStates(local, remote ConnState) (ConnState, error) {
	if !local.established() || !remote.established() {
		if local == remote {
			return local, nil
		}
		return local, &HandshakeDesyncError{Local: local, Remote: remote}
	}
	if progressIndex[remote] > progressIndex[local] {
		return remote, nil
	}
	return local, nil
}
