// Package retry provides exponential backoff retry logic for transient failures.
//
// The [Do] function retries an operation with a bounded attempt count, an
// initial delay, a maximum delay and an optional transient-error classifier.
// It backs the stage executor, the ledger's busy handling and the remote
// API adapters.
package retry
