// Package labels provides consistent labeling for remote resources.
//
// All labels use the vmpilot.io domain prefix and follow a builder pattern
// for constructing label sets with request, stage, instance and manager
// identification.
package labels
