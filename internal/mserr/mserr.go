// Package mserr defines the media service error taxonomy and its wire codes.
//
// Every layer wraps one of the sentinels below so callers can classify a
// failure with errors.Is regardless of where it was produced. RemoteError
// carries an engine code across the channel.
package mserr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrChannelDead       = errors.New("channel dead")
	ErrInternal          = errors.New("internal error")
)

// Code is the status carried in response frames.
type Code int32

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeInvalidOperation
	CodeResourceExhausted
	CodeRemote
	CodeChannelDead
	CodeInternal
)

var codeNames = map[Code]string{
	CodeOK:                "ok",
	CodeInvalidArgument:   "invalid_argument",
	CodeInvalidOperation:  "invalid_operation",
	CodeResourceExhausted: "resource_exhausted",
	CodeRemote:            "remote_error",
	CodeChannelDead:       "channel_dead",
	CodeInternal:          "internal",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

// RemoteError is an engine-level failure surfaced through the channel.
type RemoteError struct {
	Code int32
	Msg  string
}

func (e RemoteError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("remote error code=%d", e.Code)
	}
	return fmt.Sprintf("remote error code=%d: %s", e.Code, e.Msg)
}

// Remote wraps an engine code and message.
func Remote(code int32, format string, args ...any) error {
	return RemoteError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf classifies err. Unknown errors are Internal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var remote RemoteError
	switch {
	case errors.As(err, &remote):
		return CodeRemote
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrInvalidOperation):
		return CodeInvalidOperation
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrChannelDead):
		return CodeChannelDead
	default:
		return CodeInternal
	}
}

// RemoteCode returns the engine code carried by err, or 0.
func RemoteCode(err error) int32 {
	var remote RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	return 0
}

// FromCode rebuilds a classified error on the receiving side of the channel.
func FromCode(code Code, remote int32, msg string) error {
	var base error
	switch code {
	case CodeOK:
		return nil
	case CodeRemote:
		return RemoteError{Code: remote, Msg: msg}
	case CodeInvalidArgument:
		base = ErrInvalidArgument
	case CodeInvalidOperation:
		base = ErrInvalidOperation
	case CodeResourceExhausted:
		base = ErrResourceExhausted
	case CodeChannelDead:
		base = ErrChannelDead
	default:
		base = ErrInternal
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

// Retryable reports whether a caller may retry the failed operation as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
