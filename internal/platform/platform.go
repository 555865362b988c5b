// Package platform holds the OS-specific parts of reading source trees.
package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	// ErrSymlink is returned when a source path is a symbolic link.
	ErrSymlink = errors.New("platform: symbolic links not supported")

	// ErrNotRegular is returned when a source path is a device, socket or pipe.
	ErrNotRegular = errors.New("platform: not a regular file")
)

func checkRegular(f *os.File, name string) (*os.File, fs.FileInfo, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotRegular, name)
	}
	return f, info, nil
}
