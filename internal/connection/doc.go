// Package connection implements the websocket push channel.
//
// A Channel owns exactly one websocket to the realtime backend:
//   - Join dials the socket (bearer token from a TokenSource) and sends "join"
//   - Listen/Unlisten bind a resource and its event kinds on the server
//   - Change frames are decoded into Events and exposed on Events()
//   - Read errors and stale heartbeats are reported once on Errors()
//
// Frames are JSON text messages by default; the msgpack codec switches the
// channel to binary frames. The channel never reconnects on its own.
package connection
