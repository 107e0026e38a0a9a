package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies why a lifecycle command or portal call failed.
type ErrorKind int

const (
	MalformedInput ErrorKind = iota
	MalformedStreams
	UnknownProduct
	InvalidTransition
	AlreadyConfigured
	StoreWriteFailed
	StorePublishFailed
	PortalUnreachable
	SensorNotFound
)

var kindNames = [...]string{
	MalformedInput:     "MalformedInput",
	MalformedStreams:   "MalformedStreams",
	UnknownProduct:     "UnknownProduct",
	InvalidTransition:  "InvalidTransition",
	AlreadyConfigured:  "AlreadyConfigured",
	StoreWriteFailed:   "StoreWriteFailed",
	StorePublishFailed: "StorePublishFailed",
	PortalUnreachable:  "PortalUnreachable",
	SensorNotFound:     "SensorNotFound",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return kindNames[k]
}

// Retryable reports whether repeating the same call may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case StoreWriteFailed, StorePublishFailed, PortalUnreachable:
		return true
	default:
		return false
	}
}

// CommandError is the typed failure returned by coordinator and portal
// operations. Its Error() text is what goes back to CAM as the fail reason.
type CommandError struct {
	Kind    ErrorKind
	Product ProductID
	Err     error
}

func NewCommandError(kind ErrorKind, id ProductID, err error) *CommandError {
	return &CommandError{Kind: kind, Product: id, Err: err}
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s [%s]", e.Kind, e.Product)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Product, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind of err, if it carries one.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a CommandError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether err is a retryable CommandError.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Retryable()
}
