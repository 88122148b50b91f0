// Package agent is the device side of the bus.
//
// An Agent dials the control plane's device route, registers with its
// token, and then executes what the server sends: commands change the
// local player state, content offers are downloaded through a
// transfer.Manager, and delete notices remove local files and checkpoints.
// Progress and state changes are reported back over the same connection.
//
// The agent reconnects with the retry policy's backoff whenever the
// connection drops, and holds an exclusive flock on its content directory
// so two agents never write the same files.
package agent
