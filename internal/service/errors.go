package service

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNotInstructor      = errors.New("user is not an instructor")
	ErrDepartmentExists   = errors.New("department already exists")
	ErrDepartmentNotFound = errors.New("department not found")
)

var domainErrors = []error{
	ErrUserNotFound, ErrInvalidRole, ErrInvalidInput, ErrEmailTaken,
	ErrNotInstructor, ErrDepartmentExists, ErrDepartmentNotFound,
}

// TxError means the transaction for Op was rolled back. Callers must assume
// none of its writes happened.
type TxError struct {
	Op  string
	Err error
}

func (e *TxError) Error() string { return fmt.Sprintf("%s: transaction rolled back: %v", e.Op, e.Err) }

func (e *TxError) Unwrap() error { return e.Err }

func isDomainError(err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}
