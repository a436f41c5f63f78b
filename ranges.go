package connmirror

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/connmirror/connmirror/internal/proto"
)

// Interval is a half-open run [Start, End) of logical byte offsets.
type Interval struct {
	Start, End uint64
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d, %d)", iv.Start, iv.End)
}

// RangeSet is one replica's view of one direction of a connection's byte
// stream: the set of logical byte ranges known to exist, plus the drained
// low-watermark below which bytes have been consumed or acknowledged-and-
// freed and are no longer needed.
//
// A RangeSet is a snapshot value. Every operation returns a new snapshot and
// never mutates the receiver, so Merge can be exercised against any two
// independently-evolved snapshots in isolation. Intervals are kept sorted,
// disjoint, coalesced, and clipped at DrainedLow.
type RangeSet struct {
	Intervals  []Interval
	DrainedLow uint64
}

// Append adds a newly observed contiguous byte range. A range starting more
// than maxGap bytes beyond the current high water signals out-of-order
// delivery that is the network stack's job to buffer, and is refused. A
// range entirely below the drained watermark is a no-op.
func (r RangeSet) Append(iv Interval, maxGap uint64) (RangeSet, error) {
	if iv.End <= iv.Start {
		return r, errors.Errorf("invalid interval %s", iv)
	}
	if iv.End <= r.DrainedLow {
		return r, nil
	}
	if hw := r.HighWater(); iv.Start > hw && iv.Start-hw > maxGap {
		return r, errors.Errorf("range %s leaves a %d byte gap above %d (max reorder gap %d)",
			iv, iv.Start-hw, hw, maxGap)
	}
	return RangeSet{
		Intervals:  coalesce(append(r.copyIntervals(), iv), r.DrainedLow),
		DrainedLow: r.DrainedLow,
	}, nil
}

// Drain raises the drained low-watermark, discarding interval data below it.
// Lower or equal values are a no-op, so Drain is idempotent and the
// watermark is monotonic.
func (r RangeSet) Drain(newLow uint64) RangeSet {
	if newLow <= r.DrainedLow {
		return r
	}
	return RangeSet{
		Intervals:  coalesce(r.copyIntervals(), newLow),
		DrainedLow: newLow,
	}
}

// Merge joins two independently-evolved snapshots: the union of both
// interval sets, clipped below the larger drained watermark. Merge is
// commutative, associative, and idempotent, so replication traffic may be
// duplicated, reordered, or interleaved with backfill without corrupting
// the result.
func (r RangeSet) Merge(other RangeSet) RangeSet {
	low := r.DrainedLow
	if other.DrainedLow > low {
		low = other.DrainedLow
	}
	all := append(r.copyIntervals(), other.Intervals...)
	return RangeSet{
		Intervals:  coalesce(all, low),
		DrainedLow: low,
	}
}

// Above returns the sub-snapshot of bytes at or above floor. It is the
// source of incremental deltas: floor is the highest offset already
// acknowledged by a replica, and everything above it still needs shipping.
// Above(DrainedLow) is the full snapshot used for backfill.
func (r RangeSet) Above(floor uint64) RangeSet {
	out := RangeSet{DrainedLow: r.DrainedLow}
	for _, iv := range r.Intervals {
		if iv.End <= floor {
			continue
		}
		if iv.Start < floor {
			iv.Start = floor
		}
		out.Intervals = append(out.Intervals, iv)
	}
	return out
}

// ContiguousEnd returns the highest offset L such that every byte in
// [DrainedLow, L) is present. Any apparent gap below the drained watermark
// does not exist: the watermark dominates raw interval presence. After a
// takeover this is the point the peer-facing ACK is computed from.
func (r RangeSet) ContiguousEnd() uint64 {
	if len(r.Intervals) == 0 || r.Intervals[0].Start > r.DrainedLow {
		return r.DrainedLow
	}
	return r.Intervals[0].End
}

// HighWater returns the highest known offset, or the drained watermark if no
// intervals remain.
func (r RangeSet) HighWater() uint64 {
	if n := len(r.Intervals); n > 0 {
		return r.Intervals[n-1].End
	}
	return r.DrainedLow
}

// Contains reports whether the byte at off is available or already drained.
func (r RangeSet) Contains(off uint64) bool {
	if off < r.DrainedLow {
		return true
	}
	i := sort.Search(len(r.Intervals), func(i int) bool {
		return r.Intervals[i].End > off
	})
	return i < len(r.Intervals) && r.Intervals[i].Start <= off
}

func (r RangeSet) copyIntervals() []Interval {
	if len(r.Intervals) == 0 {
		return nil
	}
	out := make([]Interval, len(r.Intervals))
	copy(out, r.Intervals)
	return out
}

// coalesce sorts ivs, clips everything below low, and unions overlapping or
// adjacent runs. The input slice is taken over and must not be reused.
func coalesce(ivs []Interval, low uint64) []Interval {
	clipped := ivs[:0]
	for _, iv := range ivs {
		if iv.End <= low {
			continue
		}
		if iv.Start < low {
			iv.Start = low
		}
		clipped = append(clipped, iv)
	}
	sort.Slice(clipped, func(i, j int) bool { return clipped[i].Start < clipped[j].Start })

	var out []Interval
	for _, iv := range clipped {
		if n := len(out); n > 0 && iv.Start <= out[n-1].End {
			if iv.End > out[n-1].End {
				out[n-1].End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// wireRanges flattens the interval set into base-relative wire ranges. The
// caller picks base at or below the lowest interval; the live window of one
// connection keeps every offset within 32 bits of it.
func wireRanges(ivs []Interval, base uint64) []proto.Range {
	if len(ivs) == 0 {
		return nil
	}
	out := make([]proto.Range, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, proto.Range{
			Offset: uint32(iv.Start - base),
			Len:    uint32(iv.End - iv.Start),
		})
	}
	return out
}

// intervalsFromWire is the inverse of wireRanges.
func intervalsFromWire(base uint64, ranges []proto.Range) []Interval {
	if len(ranges) == 0 {
		return nil
	}
	out := make([]Interval, 0, len(ranges))
	for _, rg := range ranges {
		start := base + uint64(rg.Offset)
		out = append(out, Interval{Start: start, End: start + uint64(rg.Len)})
	}
	return out
}
