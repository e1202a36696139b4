// Package bridge keeps an optimistic store's base collection in step with
// the realtime channel.
//
// A Binding subscribes to one resource through the multiplexer. Change
// events are applied to the store's base collection record by record; when
// a record cannot be decoded, or when record application is disabled, the
// binding reloads the whole collection instead. A reconnect after a drop
// always triggers a reload, since events sent while disconnected are lost.
//
// Concurrent reloads collapse into one through singleflight.
package bridge
