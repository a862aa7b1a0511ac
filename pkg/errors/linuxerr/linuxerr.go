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

// Package linuxerr contains the error codes returned across the hypercall
// boundary, exported as error interface pointers. This allows for fast
// comparison and return operations comparable to unix.Errno constants.
package linuxerr

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/pkvm/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno values of
// the same name. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable. The Errno method returns
// an errno such that the error can be compared to a unix.Errno, e.g.
// EPERM.Errno() == unix.EPERM.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	EAGAIN                = errors.New(unix.EAGAIN, "resource temporarily unavailable")
	E2BIG                 = errors.New(unix.E2BIG, "argument list too long")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
)

// errorSlice maps errno values to their *errors.Error.
var errorSlice = map[unix.Errno]*errors.Error{
	unix.EPERM:  EPERM,
	unix.ENOENT: ENOENT,
	unix.EAGAIN: EAGAIN,
	unix.E2BIG:  E2BIG,
	unix.ENOMEM: ENOMEM,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.EINVAL: EINVAL,
	unix.ENOSPC: ENOSPC,
	unix.ERANGE: ERANGE,
	unix.ENOSYS: ENOSYS,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorSlice[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	if stderrors.Is(err, e) {
		return true
	}
	var unixErr unix.Errno
	return stderrors.As(err, &unixErr) && unixErr == e.Errno()
}

// ToStatus converts err to a hypercall status: zero on success and a
// negative errno otherwise. Errors that carry no errno are reported as
// EINVAL.
func ToStatus(err error) int {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Status()
	}
	var unixErr unix.Errno
	if stderrors.As(err, &unixErr) {
		return -int(unixErr)
	}
	return -int(unix.EINVAL)
}

// FromStatus converts a hypercall status back to an error.
func FromStatus(status int) error {
	if status >= 0 {
		return nil
	}
	return ErrorFromUnix(unix.Errno(-status))
}
