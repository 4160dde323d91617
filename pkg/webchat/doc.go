// Package webchat exposes chat sessions over HTTP.
//
// Routes (mounted under /api by Server.Handler):
//   - POST /sessions creates a session; GET /sessions lists them.
//   - POST /sessions/{id}/messages submits a message, honouring Idempotency-Key.
//   - POST /sessions/{id}/cancel cancels the reply in flight.
//   - GET /sessions/{id}/history returns the messages.
//   - GET /sessions/{id}/ws and GET /sessions/{id}/events stream updates over
//     WebSocket and Server-Sent Events.
//
// Updates are fanned out from session listeners into per-connection queues so
// a slow client never blocks the session; a client whose queue overflows is
// dropped and expected to reconnect and resynchronise from the snapshot.
package webchat
