// Package optimistic keeps a client-side collection that reflects mutations
// before the server confirms them.
//
// A Store holds a base collection (the last known server state) and at most
// one pending action per entity id. OptimisticData derives the visible
// collection from both on every call. Each mutation registers its pending
// action, notifies listeners, then runs the caller's perform function in its
// own goroutine; success commits the server's entity into the base, failure
// rolls the view back to what it was before the mutation.
//
// Actions are ordered by a per-store token. A second mutation on the same id
// supersedes the first for view purposes. When a superseded action resolves
// it is discarded (Result.Stale reports true), except that a successful
// superseded write is remembered and applied if every newer action on that
// id rolls back.
//
// The store starts no timers. Call SweepExpired periodically to roll back
// actions whose perform never returned.
package optimistic
