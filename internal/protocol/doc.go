// Package protocol defines the JSON messages exchanged over the device bus.
//
// Every message is a flat JSON object with a "type" tag:
//
//	{"type": "volume", "volume": 40}
//
// Inbound messages (device or admin to server) form a closed set: Decode
// parses the tag once and returns one of the concrete types below, so the
// bus dispatcher can type-switch over them. Unknown tags yield
// ErrUnknownType and bad payloads ErrMalformed; the bus logs and drops both
// without closing the connection.
//
// Outbound messages are encoded with Encode, which writes the tag ahead of
// the struct fields.
package protocol
