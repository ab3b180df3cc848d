// Package ws serves the browser socket: one connection per client, rooms
// keyed by session id, and a router that turns client events into session
// manager calls.
//
// Every frame is a JSON Envelope {"event": ..., "data": ...}. Output of a
// session is fanned out to its room; notifications without a session go to
// every connected client.
package ws
