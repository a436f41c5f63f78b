package connmirror

import "math"

// seqTranslator maps the wire-visible 32-bit sequence numbers of one
// direction of one connection onto an unbounded 64-bit logical counter.
// "byte at logical offset L" is a permanently immutable fact, which is what
// lets range merges skip value-level conflict resolution entirely.
//
// The logical counter is seeded from the handshake's initial sequence
// number, so logical ≡ wire (mod 2^32) always holds and a logical offset
// maps back to the wire with a plain truncation.
type seqTranslator struct {
	// high is the highest logical offset assigned so far for this direction.
	high uint64
}

func newSeqTranslator(initialWire uint32) seqTranslator {
	return seqTranslator{high: uint64(initialWire)}
}

// toLogical resolves wire against the current high-water mark by 32-bit
// serial arithmetic: the candidate within ±2^31 of high wins. A wire value
// exactly 2^31 away is genuinely ambiguous, and a backward candidate that
// would underflow the counter cannot be live data; both return a
// SequenceDesyncError, which is fatal for the connection only.
func (t *seqTranslator) toLogical(wire uint32) (uint64, error) {
	diff := int32(wire - uint32(t.high))
	if diff == math.MinInt32 {
		return 0, &SequenceDesyncError{Wire: wire, High: t.high}
	}
	if diff >= 0 {
		return t.high + uint64(diff), nil
	}
	back := uint64(-int64(diff))
	if back > t.high {
		return 0, &SequenceDesyncError{Wire: wire, High: t.high}
	}
	return t.high - back, nil
}

// advance raises the high-water mark. It never regresses, so the wire
// mapping stays monotonic even when advances arrive out of order or via
// merge of a remote snapshot.
func (t *seqTranslator) advance(n uint64) {
	if n > t.high {
		t.high = n
	}
}
