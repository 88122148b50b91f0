// Package bus is the WebSocket endpoint that devices and admin consoles
// connect to.
//
// Two routes are served:
//
//	/ws/device  jukeboxes; the first message must be register{token}
//	/admin      admin consoles; authenticated at upgrade, receive fleet events
//
// Each connection moves through Connecting, Authenticating, Attached and
// Closed. A device connection that has not registered within one heartbeat
// interval is reaped by the heartbeat sweep, as is any connection that did
// not answer the previous ping.
//
// Inbound messages are decoded once by package protocol and handled one at
// a time per connection; connections run concurrently. Device messages go to
// the Handler. Sends never queue for later: SendToDevice reports false when
// the device has no open, attached connection and callers compensate.
//
// Thread Safety: all exported methods are safe for concurrent use.
package bus
