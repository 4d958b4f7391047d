// Package storage persists per-feed progress cursors.
//
// A cursor is the id of the last transfer that was delivered for a feed.
// Save is synchronous and durable: when it returns nil, a process restart
// followed by Load observes the saved value.
package storage
