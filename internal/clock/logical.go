// Package clock implements the two clocks every node carries: a Lamport
// logical clock for causal ordering of events, and a physical clock whose
// reported time can be nudged by a signed offset from Berkeley sync.
//
// Big idea:
//
// A distributed system has no shared clock. Lamport's logical clock gives
// us a cheap, purely-local counter that still lets every replica agree on
// "this happened before that" for events it has actually seen:
//
//  1. Every local event bumps the counter by one.
//  2. Every received event carrying a remote counter C bumps ours to
//     max(ours, C)+1.
//
// That's the entire algorithm. It never goes backwards and it never
// stalls, which is why every outbound or stored event in this system
// carries a clock value (spec invariant: logical_clock strictly increases
// on every outbound or stored event).
package clock

import "sync"

// Logical is a Lamport clock. The zero value is ready to use.
type Logical struct {
	mu      sync.Mutex
	counter uint64
}

// Tick increments the clock and returns the new value. Call this once per
// locally originated event (every outbound message, every local mutation).
func (l *Logical) Tick() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return l.counter
}

// Observe folds a received clock value into ours: local = max(local,
// received) + 1. Call this once per inbound event before acting on it.
func (l *Logical) Observe(received uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if received > l.counter {
		l.counter = received
	}
	l.counter++
	return l.counter
}

// Value returns the current counter without advancing it.
func (l *Logical) Value() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}
