//go:build unix

package container

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int) ([]byte, bool, error) {
	if size > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			return data, true, nil
		}
	}
	data, err := readAllAt(f, size)
	return data, false, err
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}
