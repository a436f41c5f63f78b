// Package proto holds the wire types exchanged between replica nodes and the
// framing used to read and write them off a replication link.
//
// Three message kinds flow between nodes. A Delta carries newly observed
// byte ranges, the drained low-watermark, and the current connection state
// for one direction of one connection. An Ack reports the cumulative delta
// sequence number a replica has applied for a connection. A Heartbeat
// announces liveness of the serving node.
//
// The framing is a length-prefixed JSON blob with an explicit version in the
// frame header. Fields are only ever added to the frame types, never removed
// or re-typed, so a node can decode frames from any later version and ignore
// what it does not understand. The link underneath only needs to deliver
// frames at-least-once; duplication and reordering are absorbed by the
// receiver's merge.
package proto
