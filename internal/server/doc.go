// Package server implements the HTTP and WebSocket side of the room relay.
//
// A Hub supervises every live Client and runs its read and write pumps. The
// read pump hands each inbound frame to the Dispatcher, which applies it to
// the room.Registry and queues the resulting envelopes on the affected
// clients. Configuration, logging setup, origin checking and the gin routes
// live alongside in their own files.
package server
