// Package syncqueue persists metadata updates that could not reach the
// backend, one JSON record file per update under StoragePath/sync. The
// gateway drains the queue when a sync trigger fires: each record the
// backend acknowledges is removed, failed records stay queued for the next
// trigger. Records survive process restarts, closing the durable-queue gap
// the original offline layer left unimplemented.
package syncqueue
