// Package naming provides the deterministic names of remote resources.
//
// Names are derived from the request ID and instance index only, so a
// re-driven create finds the resource an earlier attempt made.
package naming
