// Package router fans realtime events out to registered handlers.
//
// Table holds the routes keyed by subscription id and dispatches each event
// to every route whose resource and kind match, in registration order.
// Queue decouples the socket reader from handler execution.
package router
