package promotion

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when no promotion matches.
	ErrNotFound = errors.New("promotion: not found")
	// ErrDuplicateCode is returned when creating a promotion whose code already exists.
	ErrDuplicateCode = errors.New("promotion: code already exists")
	// ErrInvalidCode indicates an unknown, inactive or out-of-window code.
	ErrInvalidCode = errors.New("promotion: invalid code")
	// ErrExpired indicates the code exists but its window has closed. It also matches ErrInvalidCode.
	ErrExpired = errors.New("promotion: expired")
	// ErrAlreadyUsed indicates the user already redeemed this promotion.
	ErrAlreadyUsed = errors.New("promotion: already used")
	// ErrLimitExceeded indicates the global usage limit has been reached.
	ErrLimitExceeded = errors.New("promotion: usage limit exceeded")
)

// Reason classifies a validation failure.
type Reason string

const (
	ReasonInvalidCode   Reason = "INVALID_CODE"
	ReasonExpired       Reason = "EXPIRED"
	ReasonAlreadyUsed   Reason = "ALREADY_USED"
	ReasonLimitExceeded Reason = "LIMIT_EXCEEDED"
)

// ValidationError is the typed failure returned for ineligible codes.
type ValidationError struct {
	Reason Reason
	Code   string
}

func (e *ValidationError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("promotion rejected: %s", e.Reason)
	}
	return fmt.Sprintf("promotion %s rejected: %s", e.Code, e.Reason)
}

// Is matches the sentinel for the error's reason. EXPIRED also matches
// ErrInvalidCode.
func (e *ValidationError) Is(target error) bool {
	switch e.Reason {
	case ReasonInvalidCode:
		return target == ErrInvalidCode
	case ReasonExpired:
		return target == ErrExpired || target == ErrInvalidCode
	case ReasonAlreadyUsed:
		return target == ErrAlreadyUsed
	case ReasonLimitExceeded:
		return target == ErrLimitExceeded
	default:
		return false
	}
}

func rejected(reason Reason, code string) *ValidationError {
	return &ValidationError{Reason: reason, Code: code}
}

// ReasonOf extracts the validation reason from err.
func ReasonOf(err error) (Reason, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}

// IsValidation reports whether err is a typed validation failure.
func IsValidation(err error) bool {
	_, ok := ReasonOf(err)
	return ok
}
