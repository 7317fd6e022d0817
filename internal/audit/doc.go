// Package audit records the append-only, totally ordered decision trail of
// every request.
//
// Each Entry gets a sequence number from the recorder at append time, so the
// log order is the order of events across all plans. Entries are never edited
// or removed. A failed append is returned to the caller: the orchestrator
// refuses to mark a stage succeeded until its entry is durable.
//
// Two recorders are provided. MemoryRecorder keeps entries in a slice and is
// used by tests and dry runs. BadgerRecorder persists entries in BadgerDB with
// a per-request index so that plans can be resumed after a restart. Archiver
// exports a finished request's trail as JSON lines to object storage.
package audit
