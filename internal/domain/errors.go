// Package domain contains the core entities of the mail blob store.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent integrity and logical-state violations.
// They are distinct from transient infrastructure errors (disk, network).

var (
	// ===========================================
	// Blob/Staging Errors
	// ===========================================

	// ErrBlobNotFound indicates the requested blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBlobCorrupted indicates the blob content does not match its hash.
	ErrBlobCorrupted = errors.New("blob content is corrupted")

	// ErrStageFailed wraps a backend write failure during staging.
	ErrStageFailed = errors.New("unable to stage blob")

	// ErrNoContent indicates the backend returned no stream for a known locator.
	ErrNoContent = errors.New("backend returned nothing for locator")

	// ErrAnonymousWrite indicates a write without a content-derived locator
	// was attempted against a content-addressed backend.
	ErrAnonymousWrite = errors.New("anonymous write is not permitted")

	// ErrInvalidDigest indicates a digest that is not a hex SHA-256.
	ErrInvalidDigest = errors.New("invalid digest")

	// ===========================================
	// Resumable Upload Errors
	// ===========================================

	// ErrUploadSizeMismatch indicates the backend and local sizes of an
	// upload diverged. The upload must be restarted.
	ErrUploadSizeMismatch = errors.New("upload size mismatch, restart the upload")

	// ErrUploadNotOpen indicates a finalize for an upload that was never opened.
	ErrUploadNotOpen = errors.New("upload was never opened")

	// ErrUploadClosed indicates a write to an upload that already finished or aborted.
	ErrUploadClosed = errors.New("upload is closed")

	// ===========================================
	// Store Errors
	// ===========================================

	// ErrStoreNotStarted indicates the store was used before Startup.
	ErrStoreNotStarted = errors.New("blob store is not started")

	// ErrUnsupported indicates the backend lacks a capability the operation needs.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g., a locator or upload id).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	switch {
	case e.Resource != "" && e.Message != "":
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	case e.Resource != "":
		return fmt.Sprintf("%s %s", e.Err.Error(), e.Resource)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// WrapError wraps an error with domain context if it's not already a DomainError.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	return &DomainError{
		Err:     err,
		Message: message,
	}
}
