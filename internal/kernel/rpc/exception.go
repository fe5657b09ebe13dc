package rpc

import (
	"errors"
	"fmt"
)

// ExceptionCode is the status word of an RPC reply.
type ExceptionCode int32

const (
	Success                ExceptionCode = 0
	ExceptionInvalidObject ExceptionCode = -1
	ExceptionInvalidOpcode ExceptionCode = -2
	// ExceptionUndeclared reports a server error that is not in the
	// function's exception list.
	ExceptionUndeclared ExceptionCode = -3
	// ExceptionBase is the code of the first declared exception; the i-th
	// declared exception is ExceptionBase - i.
	ExceptionBase ExceptionCode = -1000
)

var (
	ErrInvalidCapability = errors.New("invalid capability")
	ErrInvalidObject     = errors.New("invalid object")
	ErrInvalidOpcode     = errors.New("invalid opcode")
	ErrUndeclared        = errors.New("undeclared server exception")
	ErrEntrypointClosed  = errors.New("entrypoint closed")
	ErrNotManaged        = errors.New("object not managed by entrypoint")
	ErrWrongEntrypoint   = errors.New("capability refers to another destination")
)

// String returns a short name for logs and metric labels.
func (c ExceptionCode) String() string {
	switch {
	case c == Success:
		return "success"
	case c == ExceptionInvalidObject:
		return "invalid_object"
	case c == ExceptionInvalidOpcode:
		return "invalid_opcode"
	case c == ExceptionUndeclared:
		return "undeclared"
	case c <= ExceptionBase:
		return "exception"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// Exception carries the index of a declared exception from a handler to
// the entrypoint.
type Exception struct {
	Index int
	Err   error
}

func (e *Exception) Error() string { return e.Err.Error() }
func (e *Exception) Unwrap() error { return e.Err }

// Code returns the wire code for the exception.
func (e *Exception) Code() ExceptionCode {
	return ExceptionBase - ExceptionCode(e.Index)
}

// RemoteError is returned by Call for declared exception codes. Clients that
// know the interface resolve it back to the declared error.
type RemoteError struct {
	Code ExceptionCode
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote exception %d", int32(e.Code))
}

// Index returns the declaration index of the exception.
func (e *RemoteError) Index() int { return int(ExceptionBase - e.Code) }

// codeError converts a reply code into the client-side error.
func codeError(code ExceptionCode) error {
	switch {
	case code == Success:
		return nil
	case code == ExceptionInvalidObject:
		return ErrInvalidObject
	case code == ExceptionInvalidOpcode:
		return ErrInvalidOpcode
	case code <= ExceptionBase:
		return &RemoteError{Code: code}
	default:
		return ErrUndeclared
	}
}
