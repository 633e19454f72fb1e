// Package queue provides the durable queue of collected items awaiting
// delivery.
//
// Draining is two-phase: Claim hands out an in-flight batch and frees the
// store for new ingests, Batch.Commit moves the batch into the archive
// directory. Items are delivered at least once.
package queue
