// Package content keeps the catalogue of distributable media (songs,
// announcements, playlists), records which device holds which item, and
// serves the bytes over HTTP with range support so device agents can
// resume interrupted downloads.
//
// Offer assigns an item to a device and unicasts a protocol.Content
// message carrying its URL, digest and size. The content directory is
// flat: an item's FileName is resolved inside the media directory and may
// not escape it.
package content
