// Package connmirror implements conflict-free replication of live TCP
// connection state, so a standby node can take over an in-flight connection
// after a primary failure without renegotiating with the remote peer.
//
// Each connection's send and receive buffers are tracked as sets of logical
// byte ranges plus a monotonic drained low-watermark, keyed by an unbounded
// 64-bit sequence space that disambiguates 32-bit wire wraparound. Both the
// buffers and the post-handshake connection state merge as lattices: range
// merge is union clipped at the larger watermark, state merge is
// furthest-along-wins. Merge is commutative, associative, and idempotent, so
// replication traffic may be lost, duplicated, or reordered and every
// replica still converges.
//
// The safety property the engine enforces is that anything the remote peer
// or the local application is told is durable really is: the primary blocks
// the peer-facing ACK, and the application-facing send acceptance, until the
// delta describing the underlying bytes has been acknowledged by a replica.
//
// A watching node applies deltas as they arrive and watches the primary's
// heartbeat. If the heartbeat goes silent beyond a threshold, the node
// promotes itself: the merged snapshots become authoritative and are handed
// to the transport stack, which resumes ACKs and retransmissions computed
// purely from them. Handshakes are never replicated; a connection that was
// mid-handshake at failover is dropped and redone. How traffic is steered to
// exactly one serving node is entirely out of scope of this library.
package connmirror
