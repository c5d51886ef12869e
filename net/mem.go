package net

import "net"

// Returns both sides of a synchronous, in-memory, full-duplex connection.
// Mostly intended for testing environments, but exposed publicly for
// connecting two channels within a single process.
func NewMemPair() (Connection, Connection) {
	l, r := net.Pipe()
	return l, r
}
