// Package session implements the coordination engine that keeps server-side
// session code in lockstep with a remote peer.
//
// Every session is driven by a single loop goroutine (Run). Session code runs
// on strands: goroutines that take turns with the loop, so at most one of
// them touches session state at any time. A strand gives up its turn when it
// waits on a promise and is resumed by the continuation that settles it.
//
// Thread-safety model:
//   - Receive, Start, Unarchive, ArchiveEvents, Suspend, Destroy: safe from
//     any goroutine (they go through the loop's inbox)
//   - Context methods: only from the strand the Context was handed to
//   - Channel.Close and Send functions: safe from any goroutine
//
// The history of every session is journaled so a suspended session can be
// resumed by re-running its code against the archived events.
package session
