// Package model defines the facility-management entities synced by
// livesync.
//
// JSON tags match the database column names, so the same types decode REST
// responses, realtime change records and row_to_json rows.
//
// Conventions:
//   - IDs: server-assigned UUID strings; optimistic creates use tmp- ids
//   - Timestamps: RFC 3339 (timestamptz)
//   - Calendar dates: "YYYY-MM-DD" strings, nil when unset
package model
