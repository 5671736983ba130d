// Package apierror defines the stable {Code, Message} error values returned
// by the object store and the swarm distributor. Values compare by Code, so
// callers can match with errors.Is even after a message has been customised.
package apierror

import (
	"errors"
	"net/http"
)

// Error is a user-facing failure with a stable machine readable code, a human
// message and the HTTP status the edge should answer with.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Status: e.Status}
}

// From extracts the *Error in err's chain, if any.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Object store taxonomy.
var (
	ErrNoSuchBucket        = &Error{"NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound}
	ErrNoSuchKey           = &Error{"NoSuchKey", "The specified key does not exist.", http.StatusNotFound}
	ErrNoSuchVersion       = &Error{"NoSuchVersion", "The specified version does not exist.", http.StatusNotFound}
	ErrBucketAlreadyExists = &Error{"BucketAlreadyExists", "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.", http.StatusConflict}
	ErrBucketNotEmpty      = &Error{"BucketNotEmpty", "The bucket you tried to delete is not empty.", http.StatusConflict}
	ErrInvalidBucketName   = &Error{"InvalidBucketName", "The specified bucket is not valid.", http.StatusBadRequest}
	ErrInvalidObjectName   = &Error{"InvalidObjectName", "The specified key is not valid.", http.StatusBadRequest}
	ErrInvalidRequest      = &Error{"InvalidRequest", "The request is invalid.", http.StatusBadRequest}
	ErrInvalidArgument     = &Error{"InvalidArgument", "Invalid argument.", http.StatusBadRequest}
	ErrInvalidRange        = &Error{"InvalidRequest", "The requested range is not satisfiable.", http.StatusRequestedRangeNotSatisfiable}
	ErrInvalidPart         = &Error{"InvalidPart", "One or more of the specified parts could not be found.", http.StatusBadRequest}
	ErrInvalidPartOrder    = &Error{"InvalidPartOrder", "The list of parts was not in ascending order.", http.StatusBadRequest}
	ErrNoSuchUpload        = &Error{"NoSuchUpload", "The specified multipart upload does not exist.", http.StatusNotFound}
	ErrAccessDenied        = &Error{"AccessDenied", "Access Denied", http.StatusForbidden}
	ErrEntityTooLarge      = &Error{"EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size.", http.StatusBadRequest}
	ErrMalformedLifecycle  = &Error{"MalformedXML", "The lifecycle configuration is not valid.", http.StatusBadRequest}
	ErrInternal            = &Error{"InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError}
	ErrNotImplemented      = &Error{"NotImplemented", "A header you provided implies functionality that is not implemented.", http.StatusNotImplemented}
)

// Swarm taxonomy.
var (
	ErrInvalidDescriptor         = &Error{"InvalidDescriptor", "The descriptor could not be parsed.", http.StatusBadRequest}
	ErrNotFound                  = &Error{"NotFound", "Neither a swarm session nor stored content was found.", http.StatusNotFound}
	ErrBandwidthLimitExceeded    = &Error{"BandwidthLimitExceeded", "System-tier bandwidth budget is exhausted for the current window.", http.StatusTooManyRequests}
	ErrCannotRemoveSystemContent = &Error{"CannotRemoveSystemContent", "System content is pinned and cannot be removed.", http.StatusForbidden}
	ErrCannotStopSystemContent   = &Error{"CannotStopSystemContent", "System content is pinned and cannot stop seeding.", http.StatusForbidden}
	ErrCapacityExceeded          = &Error{"CapacityExceeded", "No session slot is available and nothing can be evicted.", http.StatusServiceUnavailable}
	ErrEngineInitFailed          = &Error{"EngineInitFailed", "The swarm engine failed to initialize.", http.StatusServiceUnavailable}
)
