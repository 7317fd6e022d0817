package deployment

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Tier is the requester-declared skill tier.
type Tier string

// Skill tiers, from least to most experienced.
const (
	TierNovice       Tier = "novice"
	TierIntermediate Tier = "intermediate"
	TierExpert       Tier = "expert"
)

// Criticality grades how much damage a misconfigured resource can cause.
type Criticality string

// Criticality levels.
const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// IrreversibleWipeVolume requests a data-destructive wipe of the attached volume.
const IrreversibleWipeVolume = "wipe-volume"

// NetworkSpec describes the private network attachment of each instance.
type NetworkSpec struct {
	Name string `json:"name" validate:"required"`
	CIDR string `json:"cidr,omitempty" validate:"omitempty,cidrv4"`
	// IP pins the private address. Only valid for single-instance requests.
	IP string `json:"ip,omitempty" validate:"omitempty,ipv4"`
}

// ResourceSpec is the requested compute/storage/network shape.
type ResourceSpec struct {
	Instances   int         `json:"instances" validate:"min=1,max=50"`
	CPU         int         `json:"cpu" validate:"min=1,max=64"`
	MemoryGB    int         `json:"memoryGB" validate:"min=1,max=512"`
	StorageGB   int         `json:"storageGB" validate:"min=0,max=10240"`
	ServerType  string      `json:"serverType" validate:"required"`
	Image       string      `json:"image" validate:"required"`
	Location    string      `json:"location" validate:"required"`
	VMID        int         `json:"vmID,omitempty" validate:"omitempty,min=1"`
	Network     NetworkSpec `json:"network"`
	Criticality Criticality `json:"criticality" validate:"required,oneof=low medium high critical"`
}

// ArtifactRef points at the generated Infrastructure-as-Code artifact.
type ArtifactRef struct {
	ID         string  `json:"id" validate:"required"`
	Digest     string  `json:"digest" validate:"required"`
	Location   string  `json:"location,omitempty"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// Request is an infrastructure-change request. It is never mutated once accepted.
type Request struct {
	ID           string       `json:"id" validate:"required"`
	Requester    string       `json:"requester" validate:"required"`
	Tier         Tier         `json:"tier" validate:"required,oneof=novice intermediate expert"`
	Resources    ResourceSpec `json:"resources"`
	Artifact     ArtifactRef  `json:"artifact"`
	Hardening    string       `json:"hardening,omitempty"`
	Irreversible []string     `json:"irreversible,omitempty" validate:"dive,oneof=wipe-volume"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// WithDefaults returns a copy with an ID and creation time filled in when missing.
func (r Request) WithDefaults() Request {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Irreversible = append([]string(nil), r.Irreversible...)
	return r
}

// WantsIrreversible reports whether the request asked for the given irreversible action.
func (r Request) WantsIrreversible(action string) bool {
	for _, a := range r.Irreversible {
		if a == action {
			return true
		}
	}
	return false
}

// ValidationError represents a request validation error or warning.
type ValidationError struct {
	Field    string `json:"field"`    // Request field that failed validation
	Message  string `json:"message"`  // Human-readable error message
	Severity string `json:"severity"` // "error" or "warning"
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", ve.Severity, ve.Field, ve.Message)
}

// IsError returns true if this is an error (not a warning).
func (ve ValidationError) IsError() bool {
	return ve.Severity == "error"
}

// ValidationErrors collects every problem found in a request.
type ValidationErrors []ValidationError

func (ves ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ves))
	for _, ve := range ves {
		msgs = append(msgs, ve.Error())
	}
	return "request validation failed:\n  " + strings.Join(msgs, "\n  ")
}

// Unwrap lets callers match the whole list with errors.Is(err, ErrValidation).
func (ves ValidationErrors) Unwrap() error {
	return ErrValidation
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks the request and returns ValidationErrors when anything is wrong.
func (r Request) Validate() error {
	var errs ValidationErrors

	if err := requestValidator().Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:    strings.TrimPrefix(fe.Namespace(), "Request."),
				Message:  describeTag(fe),
				Severity: "error",
			})
		}
	}

	if r.Resources.Instances > 1 && r.Resources.VMID != 0 {
		errs = append(errs, ValidationError{
			Field:    "resources.vmID",
			Message:  "a fixed VM ID requires exactly one instance",
			Severity: "error",
		})
	}
	if r.Resources.Instances > 1 && r.Resources.Network.IP != "" {
		errs = append(errs, ValidationError{
			Field:    "resources.network.ip",
			Message:  "a fixed IP requires exactly one instance",
			Severity: "error",
		})
	}
	if r.WantsIrreversible(IrreversibleWipeVolume) && r.Resources.StorageGB == 0 {
		errs = append(errs, ValidationError{
			Field:    "irreversible",
			Message:  "wipe-volume needs a storage volume (storageGB > 0)",
			Severity: "error",
		})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "ipv4":
		return "must be an IPv4 address"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
