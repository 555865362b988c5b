//go:build unix

package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// OpenNoFollow opens name under root for reading without following a
// symlink in the final path element. It returns ErrSymlink for links and
// ErrNotRegular for anything that is not a plain file.
func OpenNoFollow(root *os.Root, name string) (*os.File, fs.FileInfo, error) {
	f, err := root.OpenFile(name, os.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, syscall.ELOOP) {
			return nil, nil, fmt.Errorf("%w: %s", ErrSymlink, name)
		}
		return nil, nil, err
	}
	return checkRegular(f, name)
}
