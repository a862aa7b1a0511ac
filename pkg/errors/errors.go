// Copyright 2026 The gVisor Authors.
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

// Package errors defines the errno-carrying errors returned across the
// hypercall boundary.
package errors

import (
	"golang.org/x/sys/unix"
)

// Error is an errno with a message.
type Error struct {
	errno   unix.Errno
	message string
}

// New returns an Error for errno err.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the errno of e.
func (e *Error) Errno() unix.Errno { return e.errno }

// Status returns e as a hypercall status: the negated errno.
func (e *Error) Status() int { return -int(e.errno) }

// Is matches any error carrying the same errno, so that errors.Is treats
// distinct Errors for one errno as equal.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t != nil && t.errno == e.errno
	case unix.Errno:
		return t == e.errno
	}
	return false
}
