package mm

import (
	"fmt"
	"strconv"
	"strings"
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold a block of this size.
func (s Size) Pages() uintptr {
	return uintptr((s + Size(PageSize-1)) >> PageShift)
}

var sizeSuffixes = []struct {
	suffix string
	unit   Size
}{
	{"gb", Gb}, {"g", Gb},
	{"mb", Mb}, {"m", Mb},
	{"kb", Kb}, {"k", Kb},
	{"b", Byte},
}

// ParseSize parses a size such as "4M", "512Kb" or "65536". Suffixes are
// case-insensitive and denote powers of 1024.
func ParseSize(s string) (Size, error) {
	var (
		str  = strings.ToLower(strings.TrimSpace(s))
		unit = Byte
	)

	for _, suf := range sizeSuffixes {
		if strings.HasSuffix(str, suf.suffix) {
			str, unit = strings.TrimSpace(strings.TrimSuffix(str, suf.suffix)), suf.unit
			break
		}
	}

	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return Size(n) * unit, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// String returns the size using the largest unit that divides it.
func (s Size) String() string {
	switch {
	case s != 0 && s%Gb == 0:
		return fmt.Sprintf("%dG", s/Gb)
	case s != 0 && s%Mb == 0:
		return fmt.Sprintf("%dM", s/Mb)
	case s != 0 && s%Kb == 0:
		return fmt.Sprintf("%dK", s/Kb)
	default:
		return fmt.Sprintf("%d", uint64(s))
	}
}
