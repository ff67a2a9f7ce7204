// Package cache implements the versioned, disk-backed cache partitions the
// gateway serves offline traffic from. Each partition is a flat key-value
// space mapping every request path to its own directory,
// StoragePath/<partition>/<path>/__entry holding the body plus a .rcmeta
// sidecar carrying status and headers; nesting one identity under another
// (/movie/ and /movie/5/) therefore never collides. Writes are atomic
// (temp file + rename) and serialized per entry, so concurrent fetches of
// the same identity degrade to last-writer-wins, never torn files. The
// gateway's install, activate and CLEAR_CACHE transitions drive the
// partition-level operations (enumerate, delete one, delete all).
package cache
