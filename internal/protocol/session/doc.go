// Package session owns the connection-level helpers shared by the restpipe
// server and client.
//
// Ownership boundary:
// - message <-> frame codec
// - session timeouts and reconnect backoff
// - mutual TLS validation and tls.Config construction
package session
