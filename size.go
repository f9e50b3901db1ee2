package main

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base.
func ParseSize(s, unit string) (uint64, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return 0, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 64)
	if err != nil {
		return 0, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	var shift int
	switch unit {
	case "G", "g":
		shift = 30
	case "M", "m":
		shift = 20
	case "K", "k":
		shift = 10
	case "":
	default:
		return 0, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	if bits.LeadingZeros64(amt) < shift {
		return 0, fmt.Errorf("%q: %w", s, strconv.ErrRange)
	}

	return amt << shift, nil
}
