//go:build darwin

package storage

import (
	"fmt"
	"syscall"
)

// Darwin reports the filesystem name directly in f_fstypename ("apfs",
// "smbfs", ...), no magic-number table needed.
func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	return fstypeName(stat.Fstypename[:]), nil
}

// fstypeName converts the NUL-terminated int8 field to a string.
func fstypeName(raw []int8) string {
	buf := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}
