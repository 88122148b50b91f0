// Package transfer downloads content files over HTTP with resume,
// throttling, retry and digest verification.
//
// A download probes the length with HEAD, resumes from the stored
// checkpoint when the partial file still backs it, and streams the rest
// with a Range request into <dir>/<contentID>.part. Checkpoints are
// written in the background every quantum bytes. After the stream ends
// the file is verified and renamed to <dir>/<contentID>. A digest
// mismatch discards both the checkpoint and the partial file and is not
// retried.
//
// A verified download keeps its checkpoint, marked completed, instead of
// clearing it. A later Download for the same ID finds the completed
// record and the final file and returns without fetching again; Remove
// and Cancel clear the record.
//
// At most one transfer per content ID runs at a time; a second Download
// for the same ID attaches to the running one.
package transfer
