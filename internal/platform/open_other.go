//go:build !unix

package platform

import (
	"fmt"
	"io/fs"
	"os"
)

// OpenNoFollow opens name under root for reading, refusing symlinks and
// anything that is not a plain file. The Lstat check is not atomic with the
// open on platforms without O_NOFOLLOW.
func OpenNoFollow(root *os.Root, name string) (*os.File, fs.FileInfo, error) {
	info, err := root.Lstat(name)
	if err != nil {
		return nil, nil, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrSymlink, name)
	}
	f, err := root.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return checkRegular(f, name)
}
