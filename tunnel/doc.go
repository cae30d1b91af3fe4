// Package tunnel implements the Tunnel Session: the per-tunnel actor
// that terminates one agent control connection, multiplexes many
// concurrent public HTTP and WebSocket client connections as streams
// over that connection, and survives agent reconnects.
//
// A Session is a single logical actor (spec §5): every mutation of its
// counters, stream tables, and agent reference happens while holding
// Session.mu, and the only work done under that lock is updating
// in-memory state and enqueueing at most one outbound frame. The
// actual socket write happens on a dedicated writer goroutine reading
// from Session.outbox, so frame order on the wire matches msgSeq
// assignment order without holding the lock across a syscall.
package tunnel
