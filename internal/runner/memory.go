package runner

import (
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// peakMemoryBytes reports the process high-water RSS. Outside Linux it falls
// back to the memory the Go runtime has obtained from the OS.
func peakMemoryBytes() uint64 {
	if hwm, ok := readHWMBytes(); ok {
		return hwm
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

func readHWMBytes() (uint64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, false
	}
	return parseStatusKB(string(data), "VmHWM:")
}

func parseStatusKB(status, key string) (uint64, bool) {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, key) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return value * 1024, true
	}
	return 0, false
}

// formatMegabytes renders bytes as MB rounded to two decimals, without
// trailing zeros.
func formatMegabytes(b uint64) string {
	mb := math.Round(float64(b)/1024/1024*100) / 100
	return strconv.FormatFloat(mb, 'f', -1, 64)
}
