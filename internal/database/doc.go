// Package database loads base collections for the optimistic store straight
// from PostgreSQL.
//
// Rows are read as row_to_json so that the same JSON-tagged model types
// serve the REST API, the realtime channel and the database.
package database
