// Package realtime pushes session state to views over a WebSocket.
//
// A connection starts with a hello handshake. After hello_ack the server
// sends the current session state and then every change, latest-wins. The
// client may send session_refresh to re-check the identity with the
// authority.
package realtime
