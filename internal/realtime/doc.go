// Package realtime multiplexes many logical subscriptions over one shared
// push channel.
//
// The channel is created lazily by the first Subscribe (or an explicit
// InitializeConnection) and torn down when the last subscription leaves.
// Connection failures are delivered to each subscription's status handler;
// the multiplexer never retries on its own. Use Reconnect for recovery.
//
// Event and status callbacks run on a single dispatcher goroutine, in the
// order they were produced. Callbacks must not call Close.
package realtime
