// Package tickets reconciles optimistic ticket claims with the server's authoritative state.
//
// The [Reconciler] is the single writer of ticket and game state. Every ticket keeps its last
// authoritative owner and checked mask plus a list of pending optimistic operations, each
// stamped from a monotonic logical clock when it is issued:
//
//	visible = authoritative state + pending ops applied in stamp order
//
// A server response confirms (or reverts) only its own pending op. An observation, such as a
// [Poller] result stamped when the poll was issued, applies only when its stamp is newer than
// everything the ticket has seen; applying it drops the older pending ops, so their late
// responses are ignored. Ordering is by stamp, never by arrival.
//
// A claim rejected with 406 Not Acceptable is the server's "already taken" convention: the
// ticket becomes claimed by an unknown owner and a [Conflict] is published.
package tickets
