// Package ledger tracks reservations of scarce remote identifiers (VM IDs,
// private IP addresses, volume names) so that no two in-flight plans ever hold
// the same identifier.
//
// Reserve and Release are serialized by a single mutex. Requests for "any"
// identifier pick the lowest free value of the class pool, which makes a
// retried reservation land on the same value as long as nothing else changed.
// Identifiers released as consumed belong to the provisioned system from then
// on and are persisted through a ConsumedStore so they survive restarts.
package ledger
