// Package errs provides errno-carrying error wrappers for mogfs.
//
// Errors created here conform to the regular Go error interface while
// carrying a POSIX errno value that the FUSE dispatcher returns to the
// kernel. The package is implemented on top of the ansel1/merry package,
// which supports attaching arbitrary key/value context to errors.
package errs

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

// FsError is an errno value usable both as an error classification and as
// the numeric result of a FUSE callback.
type FsError int

// Errno values used across mogfs. The dispatcher negates these before
// returning them to the kernel.
const (
	NotFoundError     FsError = FsError(int(unix.ENOENT))    // No such file or directory
	IOError           FsError = FsError(int(unix.EIO))       // I/O error
	AccessError       FsError = FsError(int(unix.EACCES))    // Permission denied
	ExistsError       FsError = FsError(int(unix.EEXIST))    // File exists
	InvalidArgError   FsError = FsError(int(unix.EINVAL))    // Invalid argument
	NotSupportedError FsError = FsError(int(unix.ENOTSUP))   // Operation not supported
	ReadOnlyError     FsError = FsError(int(unix.EROFS))     // Read-only file system
	NoAttrError       FsError = FsError(int(unix.ENODATA))   // No data available
	BadFileError      FsError = FsError(int(unix.EBADF))     // Bad file number
)

const successErrno = 0

// Value returns the int value for the FsError constant.
func (err FsError) Value() int {
	return int(err)
}

// New creates an errno-annotated error from a format string.
func New(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// Wrap annotates an existing error with an errno value. The original error
// remains reachable through the merry cause chain.
func Wrap(e error, errValue FsError) error {
	if e == nil {
		return nil
	}
	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts the errno from an error. A nil error yields 0; an error
// never annotated with an errno yields EIO, the catch-all the dispatcher
// hands the kernel for unclassified failures.
func Errno(e error) int {
	if e == nil {
		return successErrno
	}
	if v := merry.Value(e, "errno"); v != nil {
		return v.(int)
	}
	return int(IOError)
}

// Is reports whether the error carries the given errno value.
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}
