package container

import (
	"fmt"
	"os"
	"sync"
)

var self = sync.OnceValues(func() (*Container, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return Open(exe)
})

// Self returns the container view of the running executable. It is opened on
// first use and shared, read-only, for the life of the process. Callers must
// not close it.
func Self() (*Container, error) {
	return self()
}
