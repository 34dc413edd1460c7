// Package status defines the closed result-code taxonomy shared by every
// fallible operation in the engine, and the error type that carries it.
package status

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is the closed set of result codes a fallible operation can return.
// The zero value is Success so a nil-initialized Code never lies.
type Code int

const (
	Success Code = iota
	Failed
	ParamInvalid
	WaitProcessTimeout
	KVCacheNotExist
	RepeatRequest
	RequestAlreadyCompleted
	EngineFinalized
	NotYetLink
	AlreadyLink
	LinkFailed
	UnlinkFailed
	NotifyPromptUnlinkFailed
	ClusterNumExceedLimit
	ProcessingLink
	DeviceOutOfMemory
	PrefixAlreadyExist
	PrefixNotExist
	SeqLenOverLimit
	NoFreeBlock
	BlocksOutOfMemory
	ExistLink
	FeatureNotEnabled
	Timeout
	LinkBusy
	OutOfMemory
	DeviceMemError
	SuspectRemoteError
	UnknownError
)

var names = [...]string{
	Success:                  "Success",
	Failed:                   "Failed",
	ParamInvalid:             "ParamInvalid",
	WaitProcessTimeout:       "WaitProcessTimeout",
	KVCacheNotExist:          "KVCacheNotExist",
	RepeatRequest:            "RepeatRequest",
	RequestAlreadyCompleted:  "RequestAlreadyCompleted",
	EngineFinalized:          "EngineFinalized",
	NotYetLink:               "NotYetLink",
	AlreadyLink:              "AlreadyLink",
	LinkFailed:               "LinkFailed",
	UnlinkFailed:             "UnlinkFailed",
	NotifyPromptUnlinkFailed: "NotifyPromptUnlinkFailed",
	ClusterNumExceedLimit:    "ClusterNumExceedLimit",
	ProcessingLink:           "ProcessingLink",
	DeviceOutOfMemory:        "DeviceOutOfMemory",
	PrefixAlreadyExist:       "PrefixAlreadyExist",
	PrefixNotExist:           "PrefixNotExist",
	SeqLenOverLimit:          "SeqLenOverLimit",
	NoFreeBlock:              "NoFreeBlock",
	BlocksOutOfMemory:        "BlocksOutOfMemory",
	ExistLink:                "ExistLink",
	FeatureNotEnabled:        "FeatureNotEnabled",
	Timeout:                  "Timeout",
	LinkBusy:                 "LinkBusy",
	OutOfMemory:              "OutOfMemory",
	DeviceMemError:           "DeviceMemError",
	SuspectRemoteError:       "SuspectRemoteError",
	UnknownError:             "UnknownError",
}

func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(names) || names[c] == "" {
		return "UnknownError"
	}
	return names[c]
}

// Error wraps a Code with the operation name and an optional cause.
// Every non-nil error returned by this module unwraps to *Error.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a status error for op with a formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches code/op to an existing cause, preserving it via errors.Unwrap.
// The cause is run through pkg/errors.WithStack so a later nlog of the
// top-level *Error carries a stack trace back to where the cause first
// surfaced, not just where it was last rewrapped.
func Wrap(code Code, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Msg: err.Error(), Err: pkgerrors.WithStack(err)}
}

// CodeOf extracts the Code from err, defaulting to UnknownError for any
// error that did not originate in this module.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if as(err, &se) {
		return se.Code
	}
	return UnknownError
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
