package signing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("signing: request not found")
	ErrExpired              = errors.New("signing: request expired")
	ErrInvalidState         = errors.New("signing: invalid state")
	ErrInvalidSignatureData = errors.New("signing: invalid signature data")
	ErrConsentRequired      = errors.New("signing: consent required")
	ErrReferenceConflict    = errors.New("signing: external reference already set")
	ErrValidation           = errors.New("signing: validation failed")
)

// ValidationError lists the request fields that were missing or malformed.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("signing: missing or invalid fields: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StateError carries the status that blocked an operation.
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("signing: %s not allowed in status %s", e.Op, e.Status)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }
