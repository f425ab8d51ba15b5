// Package dist hosts sessions, either in the serving process (LocalHost) or
// spread over worker processes (Pool and Worker).
//
// A Pool and its Workers talk over one stream per worker, carrying one JSON
// value per line. Requests are arrays:
//
//	[sessionID, method, corr, args...]
//
// and replies reuse the event tuple, keyed by the request's correlation ID:
//
//	[corr, result]          success
//	[corr, error, "Type"]   failure
//
// A request with corr 0 is a notification and gets no reply. Notifications
// are handled in arrival order; requests run concurrently.
//
// Sessions are assigned to workers round-robin when opened and stay there
// for life. The collaborator of a worker session lives in the parent: its
// callbacks travel back over the same stream. Broadcasts published by one
// worker are forwarded to every other worker.
package dist
