// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the error taxonomy shared by all runtime packages.
//
// Errors returned by the runtime wrap one of the sentinels below, so that
// callers can test for a specific condition with errors.Is or for a class
// of conditions with KindOf.
package errs

import (
	"errors"
	"fmt"
	"sync"
)

// Kind classifies an error.
type Kind int

const (
	// Unknown is the kind of errors not created by the runtime.
	Unknown Kind = iota
	// Parse errors are raised when an image is malformed.
	Parse
	// Resource errors are raised by buffer allocation, mapping and transfers.
	Resource
	// Binding errors are raised when kernels, compute units or arguments do not match.
	Binding
	// Execution errors are raised when a command cannot be executed.
	Execution
	// Concurrency errors are raised when a resource is held or has become stale.
	Concurrency
	// Internal errors are bugs in the runtime.
	Internal
)

var kindNames = [...]string{
	Unknown:     "unknown",
	Parse:       "parse",
	Resource:    "resource",
	Binding:     "binding",
	Execution:   "execution",
	Concurrency: "concurrency",
	Internal:    "internal",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error is a sentinel error of the runtime.
type Error struct {
	kind Kind
	msg  string
}

// Kind of the error.
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	return e.msg
}

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Sentinel errors.
var (
	// ErrHeader is returned when an image header or bitstream header is malformed.
	ErrHeader = newError(Parse, "invalid image header")
	// ErrOutOfBounds is returned when a section does not fit in its image.
	ErrOutOfBounds = newError(Parse, "section out of bounds")
	// ErrNotFound is returned when a section, kernel or compute unit does not exist.
	ErrNotFound = newError(Binding, "not found")
	// ErrArgMismatch is returned when a kernel argument is missing or of the wrong type.
	ErrArgMismatch = newError(Binding, "argument mismatch")
	// ErrInvalidBank is returned when a memory bank index is not part of the topology.
	ErrInvalidBank = newError(Resource, "invalid memory bank")
	// ErrInvalidSize is returned when a buffer size is zero or larger than its bank.
	ErrInvalidSize = newError(Resource, "invalid size")
	// ErrOutOfRange is returned when a transfer exceeds the buffer.
	ErrOutOfRange = newError(Resource, "out of range")
	// ErrNotMappable is returned when mapping a buffer without host backing.
	ErrNotMappable = newError(Resource, "buffer not mappable")
	// ErrNotSupported is returned when a device does not implement an operation.
	ErrNotSupported = newError(Resource, "operation not supported")
	// ErrOutstanding is returned when releasing a command which has not reached a terminal state.
	ErrOutstanding = newError(Execution, "command still outstanding")
	// ErrRunFailed is returned when waiting for runs which did not complete.
	ErrRunFailed = newError(Execution, "run failed")
	// ErrBusy is returned when a hardware context is held exclusively.
	ErrBusy = newError(Concurrency, "device busy")
	// ErrStaleContext is returned when a context refers to an image which is not loaded anymore.
	ErrStaleContext = newError(Concurrency, "stale context")
	// ErrClosed is returned when using a resource which has been released.
	ErrClosed = newError(Concurrency, "closed")
)

// KindOf returns the kind of the first runtime sentinel found in the chain of err.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var rtErr *Error
	if !errors.As(err, &rtErr) {
		return Unknown
	}
	return rtErr.kind
}

// codes maps sentinels to negative errno values, as reported to the tools.
var codes = sync.OnceValue(func() map[*Error]int {
	return map[*Error]int{
		ErrHeader:       -8,   // ENOEXEC
		ErrOutOfBounds:  -34,  // ERANGE
		ErrNotFound:     -2,   // ENOENT
		ErrArgMismatch:  -22,  // EINVAL
		ErrInvalidBank:  -22,  // EINVAL
		ErrInvalidSize:  -22,  // EINVAL
		ErrOutOfRange:   -34,  // ERANGE
		ErrNotMappable:  -1,   // EPERM
		ErrNotSupported: -95,  // EOPNOTSUPP
		ErrOutstanding:  -16,  // EBUSY
		ErrRunFailed:    -5,   // EIO
		ErrBusy:         -16,  // EBUSY
		ErrStaleContext: -116, // ESTALE
		ErrClosed:       -9,   // EBADF
	}
})

// Code returns the errno-like code of an error, 0 if err is nil and -5 (EIO)
// for errors not created by the runtime.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var rtErr *Error
	if !errors.As(err, &rtErr) {
		return -5
	}
	code, ok := codes()[rtErr]
	if !ok {
		return -5
	}
	return code
}

// Internalf returns an internal error. This is a bug in the runtime.
func Internalf(format string, a ...any) error {
	return fmt.Errorf("accrt internal error. This is a bug in the runtime. Please report it. Error:\n%w", &Error{
		kind: Internal,
		msg:  fmt.Sprintf(format, a...),
	})
}
