// Package protocol owns the restpipe message catalog and error taxonomy.
//
// Ownership boundary:
// - message variants exchanged on a connection
// - sentinel errors shared by every layer above the wire
//
// Framing lives in protocol/frame, payload fields in protocol/tlv, per-type
// field requirements in protocol/schema and the message <-> frame codec in
// protocol/session.
package protocol
