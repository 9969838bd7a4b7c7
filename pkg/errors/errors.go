package errors

import "fmt"

type GenericError struct {
	Message    string
	StatusCode int
}

func (e *GenericError) Error() string {
	return e.Message
}

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// UnauthorizedError carries the reason shown to a device that failed
// authentication.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return e.Reason
}

type DuplicateResourceError struct {
	ResourceType string
	ResourceId   string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("%s with ID %s already exists", e.ResourceType, e.ResourceId)
}

type ResourceNotFoundError struct {
	ResourceType string
	ResourceId   string
}

func (e *ResourceNotFoundError) Error() string {
	if e.ResourceId == "" {
		return fmt.Sprintf("%s not found", e.ResourceType)
	}
	return fmt.Sprintf("%s with ID %s not found", e.ResourceType, e.ResourceId)
}

// StoreError wraps a failure of the persistent store, timeouts included.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
