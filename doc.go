// Package lasp is the core executor of a deterministic dataflow variable
// store: a single-assignment key-value store whose values form a lattice and
// whose reads can block on thresholds.
//
// Producers bind variables monotonically; consumers read at a chosen
// observation point and are suspended until the variable's value has advanced
// past that point. Binding a variable returns the identifier of its stream
// successor, so a chain of cells behaves like an ordered channel.
//
// ## How it works
//
// A `Mesh` is a process hosting a fixed number of partitions. Every `VarId`
// hashes to exactly one partition, and every mutation of a cell happens on
// the partition owning it, so per-cell operations are linearizable without
// any global lock.
//
// When a `Mesh` joins a cluster, partitions are spread over the members with
// rendezvous hashing. Synchronous operations (`Declare`, `Bind`, `Read`,
// `IsDet`, `Next`, `WaitNeeded`, `Thread`) are forwarded to the owning node
// over a QUIC stream; the asynchronous messages of the alias protocol
// (`fetch`, `reply_fetch`, `notify_value`) ride fire-and-forget uni streams.
// Membership itself is handled by a UDP gossip protocol.
//
// Binding a variable to another variable's identifier makes it an alias: the
// owner of the alias chases the target (transitively, if the target is
// itself an alias) and the target's owner fans the value out to every
// registered alias once it is bound. A chain of aliases therefore converges
// to a single bound value in finite time once the tail is bound.
//
// ## Determinism
//
// The store never retracts information. Non-lattice cells are
// single-assignment: a second bind with a different value is a hard error.
// Lattice cells start bound at the bottom of their lattice and every bind
// joins the incoming value with the stored one, so the observable value is
// monotonically non-decreasing regardless of message ordering. Suspended
// readers only ever observe values, never errors, which keeps programs
// written against the store deterministic.
package lasp
