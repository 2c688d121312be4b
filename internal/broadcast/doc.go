// Package broadcast pushes the ranked pledge list to WebSocket viewers using the actor pattern.
//
// The Hub owns the connection set in a single goroutine with a command channel (no mutexes).
// Change signals are coalesced; each broadcast pulls one fresh snapshot and fans it out to
// per-connection writer goroutines, so a slow viewer is evicted without stalling the rest.
package broadcast
