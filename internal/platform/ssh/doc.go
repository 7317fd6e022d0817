// Package ssh provides an SSH client for executing commands on provisioned
// machines and a Hardener that applies hardening profiles through it.
//
// Profiles are shell scripts run as the configured user. Each profile leaves a
// marker file behind so applying it twice is a no-op, and reverting restores
// the sshd configuration saved before the first run.
package ssh
