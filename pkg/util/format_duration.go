package util

import (
	"fmt"
	"math"
)

// FormatDuration formats seconds as MM:SS, or HH:MM:SS once the duration
// reaches an hour. Fractions of a second are dropped.
func FormatDuration(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = 0
	}

	total := int64(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}

	return fmt.Sprintf("%02d:%02d", minutes, secs)
}
