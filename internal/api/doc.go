// Package api is the REST backend behind optimistic mutations.
//
// Every response is wrapped in an envelope:
//
//	{"success": true, "data": {"tasks": [...]}}
//	{"success": true, "data": {"task": {...}}}
//	{"success": false, "message": "task not found"}
//
// Reads retry on 5xx and 429 with jittered exponential backoff. Writes are
// sent once; the server gives no exactly-once guarantee, so a retried POST
// could create a duplicate.
package api
