// Package session owns agent<->gateway session primitives.
//
// Ownership boundary:
// - lifecycle states and the legal transitions between them
// - reconnect delays and close classification
// - gateway environments and target resolution
// - transport security (TLS) configuration
// - in-flight request tracking
package session
