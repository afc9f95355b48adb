package errors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUnauthorized       = errors.New("unauthorized access")

	ErrOwnershipConflict    = errors.New("device is owned by another branch")
	ErrTransportUnavailable = errors.New("no transport available for mutation")
	ErrNotFound             = errors.New("entity not found")
	ErrAlreadyResponded     = errors.New("notice has already been responded")
	ErrWrongBranch          = errors.New("notice is not addressed to this branch")

	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")

	ErrInvalidInput = errors.New("invalid input data")
)

type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OwnershipConflictError names the device and both branches involved in a
// rejected create, so the submitting user sees exactly what clashed.
type OwnershipConflictError struct {
	DeviceID      string
	CurrentOwner  string
	ProposedOwner string
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("device %s belongs to branch %s, cannot register it under %s",
		e.DeviceID, e.CurrentOwner, e.ProposedOwner)
}

func (e *OwnershipConflictError) Is(target error) bool {
	return target == ErrOwnershipConflict
}
