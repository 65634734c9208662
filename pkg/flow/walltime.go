package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var walltimePattern = regexp.MustCompile(`^[0-9][0-9]:[0-9][0-9]:[0-9][0-9]$`)

// ValidWalltime reports whether s has the HH:MM:SS form.
func ValidWalltime(s string) bool {
	return walltimePattern.MatchString(s)
}

// ParseWalltime converts HH:MM:SS into a duration. Fields are not range
// checked so that "00:90:00" reads as ninety minutes.
func ParseWalltime(s string) (time.Duration, error) {
	if !ValidWalltime(s) {
		return 0, fmt.Errorf("walltime %q must have format HH:MM:SS", s)
	}
	parts := strings.Split(s, ":")
	var d time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * unit
	}
	return d, nil
}

// FormatWalltime renders d as HH:MM:SS, truncating to whole seconds.
func FormatWalltime(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
