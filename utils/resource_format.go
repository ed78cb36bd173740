package utils

import (
	"fmt"
)

// FormatCPUCores formats a milliCores value as whole cores with 2
// decimal precision.
func FormatCPUCores(milliCores int64) string {
	cores := float64(milliCores) / 1000.0
	return fmt.Sprintf("%.2f", cores)
}

// FormatBytes formats bytes to human-readable format (Ki, Mi, Gi)
func FormatBytes(bytes int64) string {
	const (
		KiB int64 = 1024
		MiB       = KiB * 1024
		GiB       = MiB * 1024
	)

	switch {
	case bytes >= GiB:
		return fmt.Sprintf("%.2fGi", float64(bytes)/float64(GiB))
	case bytes >= MiB:
		return fmt.Sprintf("%.2fMi", float64(bytes)/float64(MiB))
	case bytes >= KiB:
		return fmt.Sprintf("%.2fKi", float64(bytes)/float64(KiB))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
