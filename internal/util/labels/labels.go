package labels

import (
	"regexp"
	"strconv"
	"strings"
)

// Standard label keys for remote resources.
const (
	// KeyRequest identifies which deployment request created a resource
	KeyRequest = "vmpilot.io/request"

	// KeyStage identifies the stage kind that created a resource
	KeyStage = "vmpilot.io/stage"

	// KeyInstance is the instance index inside the request
	KeyInstance = "vmpilot.io/instance"

	// KeyRequester identifies who asked for the resource
	KeyRequester = "vmpilot.io/requester"

	// KeyManagedBy identifies the management system
	KeyManagedBy = "vmpilot.io/managed-by"
)

// ManagedByVMPilot is the KeyManagedBy value of every resource vmpilot creates.
const ManagedByVMPilot = "vmpilot"

var invalidValue = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// LabelBuilder provides a fluent interface for building resource labels.
type LabelBuilder struct {
	labels map[string]string
}

// NewLabelBuilder creates a new label builder with the request ID pre-set.
func NewLabelBuilder(requestID string) *LabelBuilder {
	return &LabelBuilder{
		labels: map[string]string{
			KeyRequest:   Sanitize(requestID),
			KeyManagedBy: ManagedByVMPilot,
		},
	}
}

// WithStage adds the stage kind label.
func (lb *LabelBuilder) WithStage(kind string) *LabelBuilder {
	lb.labels[KeyStage] = Sanitize(kind)
	return lb
}

// WithInstance adds the instance index label.
func (lb *LabelBuilder) WithInstance(i int) *LabelBuilder {
	lb.labels[KeyInstance] = strconv.Itoa(i)
	return lb
}

// WithRequester adds the requester label only if requester is non-empty.
func (lb *LabelBuilder) WithRequester(requester string) *LabelBuilder {
	if requester != "" {
		lb.labels[KeyRequester] = Sanitize(requester)
	}
	return lb
}

// Merge adds all labels from the provided map.
func (lb *LabelBuilder) Merge(extra map[string]string) *LabelBuilder {
	for k, v := range extra {
		lb.labels[k] = v
	}
	return lb
}

// Build returns a copy of the labels map.
func (lb *LabelBuilder) Build() map[string]string {
	result := make(map[string]string, len(lb.labels))
	for k, v := range lb.labels {
		result[k] = v
	}
	return result
}

// SelectorForRequest returns a label selector matching every resource of a request.
func SelectorForRequest(requestID string) string {
	return KeyRequest + "=" + Sanitize(requestID)
}

// Sanitize turns an arbitrary string into a valid label value:
// at most 63 characters of [a-zA-Z0-9._-], starting and ending alphanumeric.
func Sanitize(v string) string {
	v = invalidValue.ReplaceAllString(v, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-._")
}
