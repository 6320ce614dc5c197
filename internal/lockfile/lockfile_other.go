//go:build !unix && !windows

package lockfile

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("file locking is not supported on this platform")

func lock(*os.File) error { return errUnsupported }

func unlock(*os.File) error { return errUnsupported }
