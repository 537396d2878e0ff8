//go:build !unix

package container

import "os"

func mapFile(f *os.File, size int) ([]byte, bool, error) {
	data, err := readAllAt(f, size)
	return data, false, err
}

func unmapFile([]byte) error {
	return nil
}
