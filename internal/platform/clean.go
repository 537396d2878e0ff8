package platform

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrEmptyPath is returned when an entry name cleans down to nothing.
var ErrEmptyPath = errors.New("empty relative path")

// CleanRelative turns an entry name into a relative path that stays inside
// whatever directory it is joined to. Leading separators, drive letters and
// ".." elements are dropped.
func CleanRelative(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if vol := filepath.VolumeName(name); vol != "" {
		name = name[len(vol):]
	}
	if len(name) >= 2 && name[1] == ':' {
		name = name[2:]
	}

	var parts []string
	for _, p := range strings.Split(name, "/") {
		switch p {
		case "", ".", "..":
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return "", ErrEmptyPath
	}
	return filepath.Join(parts...), nil
}

// SafeJoin joins an entry name onto root and returns the long-path form.
func SafeJoin(root, name string) (string, error) {
	rel, err := CleanRelative(name)
	if err != nil {
		return "", err
	}
	return LongPathname(filepath.Join(root, rel)), nil
}
