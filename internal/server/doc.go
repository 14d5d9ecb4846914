// Package server implements the huddle chat server.
//
// A Registry holds one Session per joined websocket connection. Presence
// admits and removes sessions and announces the roster, Router accepts and
// fans out chat messages, and Typing tracks expiring typing flags. The Hub
// owns the connections themselves: each Client has a read pump that dispatches
// frames to the Server and a write pump that drains its send buffer.
package server
