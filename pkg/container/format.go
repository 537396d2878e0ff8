// Package container reads and writes self-describing executable containers:
// a base binary followed by sentinel-delimited entries of the form
//
//	sentinel(4) name_len(u16 BE) name content_len(u32 BE) content
//
// There is no header and no entry count. The entry table is rebuilt by
// scanning for the sentinel and parsing records in offset order.
package container

import (
	"bytes"
	"errors"
	"math"
	"strings"
)

// sentinel is derived at init so that the literal marker never appears in a
// binary built from this package. Such a binary can then be used as a base.
var sentinel = bytes.ToUpper([]byte("!ins"))

const (
	// SentinelLen is the length of the entry marker.
	SentinelLen = 4

	fixedHeaderLen = SentinelLen + 2 + 4

	// MaxNameLen is the longest encodable entry name.
	MaxNameLen = math.MaxUint16

	// MaxContentLen is the largest encodable entry content.
	MaxContentLen = math.MaxUint32
)

// Reserved entry names. A leading zero byte marks an entry as internal.
const (
	ReservedPrefix = "\x00"
	ConfigName     = ReservedPrefix + "CONFIG"
	ImageName      = ReservedPrefix + "IMAGE"
	IndexName      = ReservedPrefix + "INDEX"
	MetaName       = ReservedPrefix + "META"
)

var (
	ErrCorrupt       = errors.New("corrupt container")
	ErrUnordered     = errors.New("entry offsets not increasing")
	ErrNameTooLong   = errors.New("entry name too long")
	ErrTooLarge      = errors.New("entry content too large")
	ErrLayout        = errors.New("unexpected container layout")
	ErrTrailingData  = errors.New("trailing data after last entry")
	ErrDuplicateName = errors.New("duplicate entry name")
	ErrReservedName  = errors.New("reserved entry name")
	ErrNotFound      = errors.New("entry not found")
	ErrNoIndex       = errors.New("container has no index")
	ErrIndexMismatch = errors.New("index does not match entries")
	ErrUnsafePath    = errors.New("entry name escapes destination")
)

// Sentinel returns a copy of the entry marker.
func Sentinel() []byte {
	return bytes.Clone(sentinel)
}

// IsReserved reports whether name denotes an internal entry.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// HeaderLen is the number of bytes preceding the content of an entry.
func HeaderLen(name string) int64 {
	return fixedHeaderLen + int64(len(name))
}

// Embedded describes one parsed entry.
type Embedded struct {
	Name string
	// Offset is the absolute position of the first content byte.
	Offset int64
	// RawOffset is the absolute position of the sentinel.
	RawOffset int64
	Size      int64
}

// End returns the position just past the content.
func (e Embedded) End() int64 {
	return e.Offset + e.Size
}

// Reserved reports whether the entry is internal.
func (e Embedded) Reserved() bool {
	return IsReserved(e.Name)
}

func checkEntry(name string, size int64) error {
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	if size < 0 || size > MaxContentLen {
		return ErrTooLarge
	}
	return nil
}
