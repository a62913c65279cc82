package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/pulp-manager/pkg/types"
)

// ParseDuration implements the max_runtime grammar of §4.1: "<N>s", "<N>m",
// "<N>h", "<N>d", or a bare integer meaning seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", types.ErrConfigInvalid)
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%w: duration must be positive: %q", types.ErrConfigInvalid, s)
		}
		return time.Duration(n) * time.Second, nil
	}

	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid duration %q", types.ErrConfigInvalid, s)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown duration unit in %q", types.ErrConfigInvalid, s)
	}
}
