// Package hcloud implements the remote resource API on top of the Hetzner
// Cloud API.
//
// # Resource mapping
//
//   - server: a Hetzner server, created from the stage's server type, image
//     and location, with the reserved volume attached when one is given.
//   - volume: a Hetzner volume, formatted as ext4 on creation.
//   - inventory: a set of labels on the registered server. The handle carries
//     the server ID; destroying it removes the labels, not the server.
//
// Attach kinds map to network attachment (network), a firewall per hardening
// profile (hardening) and volume re-creation (wipe).
//
// # Generic Operations
//
// Creates go through EnsureOperation: the resource is looked up by its
// deterministic name first and only created when missing, so a stage that is
// driven again after a crash finds what the first attempt left behind.
// Deletes go through DeleteOperation, which succeeds when the resource is
// already gone and retries while it is locked.
//
// # Errors
//
// Every error leaving the client is a *remote.Error whose kind is derived
// from the Hetzner error code, so the executor can tell transient failures
// (locked, rate limited, unavailable) from permanent ones.
package hcloud
