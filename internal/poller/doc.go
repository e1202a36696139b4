// Package poller drives the periodic work the optimistic store does not
// schedule itself.
//
// On every sweep tick it rolls back expired pending actions on each target.
// On every resync tick it reloads the base collection of targets that can
// resync, which covers changes the realtime channel missed. Targets run
// concurrently up to a fixed limit.
package poller
