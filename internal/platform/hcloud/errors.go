package hcloud

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/vmpilot/internal/remote"
)

// classify turns an error into a *remote.Error when its Hetzner error code is
// known. Errors without a code are wrapped with op and left unclassified so
// that network timeouts keep their net.Error identity.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}
	var hcloudErr hcloud.Error
	if errors.As(err, &hcloudErr) {
		return &remote.Error{
			Kind:    kindForCode(hcloudErr.Code),
			Op:      op,
			Code:    string(hcloudErr.Code),
			Message: hcloudErr.Message,
			Err:     err,
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// codeTimeout is reported when an action did not finish in time on the API side.
const codeTimeout hcloud.ErrorCode = "timeout"

func kindForCode(code hcloud.ErrorCode) remote.ErrorKind {
	switch code {
	case hcloud.ErrorCodeLocked, hcloud.ErrorCodeResourceLocked:
		return remote.ErrLocked
	case hcloud.ErrorCodeRateLimitExceeded:
		return remote.ErrRateLimited
	case hcloud.ErrorCodeResourceUnavailable, hcloud.ErrorCodeMaintenance, hcloud.ErrorCodeServiceError:
		return remote.ErrUnavailable
	case codeTimeout:
		return remote.ErrTimeout
	case hcloud.ErrorCodeNotFound:
		return remote.ErrNotFound
	case hcloud.ErrorCodeConflict, hcloud.ErrorCodeUniquenessError, hcloud.ErrorCodeResourceInUse:
		return remote.ErrConflict
	case hcloud.ErrorCodeInvalidInput, hcloud.ErrorCodeInvalidServerType, hcloud.ErrorCodeProtected:
		return remote.ErrInvalid
	case hcloud.ErrorCodeForbidden, hcloud.ErrorCodeUnauthorized:
		return remote.ErrForbidden
	default:
		return remote.ErrUnknown
	}
}

// isResourceLocked checks if an error indicates a resource is locked.
// Locked resources typically occur while another action runs on them.
// These errors are retried by DeleteOperation.
func isResourceLocked(err error) bool {
	return isHCloudErrorCode(err,
		hcloud.ErrorCodeLocked,
		hcloud.ErrorCodeConflict,
		hcloud.ErrorCodeResourceLocked,
		hcloud.ErrorCodeResourceUnavailable,
	)
}

// isInvalidParameter checks if an error indicates invalid parameters.
// These errors are fatal and should not be retried.
func isInvalidParameter(err error) bool {
	return isHCloudErrorCode(err,
		hcloud.ErrorCodeNotFound,
		hcloud.ErrorCodeInvalidInput,
		hcloud.ErrorCodeInvalidServerType,
	)
}

// isHCloudErrorCode checks if the error is an hcloud API error with one of the given codes.
func isHCloudErrorCode(err error, codes ...hcloud.ErrorCode) bool {
	if err == nil {
		return false
	}

	var hcloudErr hcloud.Error
	if errors.As(err, &hcloudErr) {
		for _, code := range codes {
			if hcloudErr.Code == code {
				return true
			}
		}
	}
	return false
}

func invalid(op, format string, args ...any) error {
	return remote.Errorf(remote.ErrInvalid, op, format, args...)
}

func notFound(op, format string, args ...any) error {
	return remote.Errorf(remote.ErrNotFound, op, format, args...)
}

func resourceID(h remote.Handle) (int64, error) {
	id, err := strconv.ParseInt(h.ID, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid("handle", "invalid %s id %q", h.Kind, h.ID)
	}
	return id, nil
}
