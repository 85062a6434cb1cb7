package gcode

import (
	"math"
	"strconv"
	"strings"
)

// parseDuration parses slicer duration strings like "1h 30m 15s",
// "2d 3h 4m" or a plain number of seconds. Unknown unit letters are
// skipped.
func parseDuration(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int(math.Round(v))
	}

	total := 0.0
	for len(s) > 0 {
		i := 0
		for i < len(s) && ((s[i] >= '0' && s[i] <= '9') || s[i] == '.') {
			i++
		}
		if i == 0 {
			// Skip a non-numeric rune and keep scanning.
			s = s[1:]
			continue
		}
		if i >= len(s) {
			break
		}
		val, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			break
		}
		switch s[i] {
		case 'd', 'D':
			total += val * 86400
		case 'h', 'H':
			total += val * 3600
		case 'm', 'M':
			total += val * 60
		case 's', 'S':
			total += val
		}
		s = s[i+1:]
	}

	return int(math.Round(total))
}
