package bfs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DiskError is the error type returned by every package in this module. The
// sentinel values below can be matched with [errors.Is] even after they've
// been annotated with WithMessage or Wrap.
type DiskError interface {
	error
	WithMessage(message string) DiskError
	Wrap(err error) DiskError
}

type baseError string

const rootError = baseError("")

var ErrArgumentOutOfRange = rootError.WithMessage("Numerical argument out of domain")
var ErrExists = rootError.WithMessage("File exists")
var ErrFileTooLarge = rootError.WithMessage("File too large")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrInvalidFileDescriptor = rootError.WithMessage("Bad file descriptor")
var ErrInvalidFileSystem = rootError.WithMessage("Wrong medium type")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrNameTooLong = rootError.WithMessage("File name too long")
var ErrNoDevice = rootError.WithMessage("No such device")
var ErrNoSpaceOnDevice = rootError.WithMessage("No space left on device")
var ErrNotFound = rootError.WithMessage("No such file or directory")

func (e baseError) Error() string {
	return string(e)
}

func (e baseError) WithMessage(message string) DiskError {
	return customDiskError{
		message:       message,
		originalError: e,
	}
}

func (e baseError) Wrap(err error) DiskError {
	return customDiskError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customDiskError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e customDiskError) Error() string {
	return e.message
}

func (e customDiskError) WithMessage(message string) DiskError {
	return customDiskError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDiskError) Wrap(err error) DiskError {
	return customDiskError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customDiskError) Unwrap() error {
	return e.originalError
}
