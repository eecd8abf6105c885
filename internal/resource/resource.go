// Package resource reports the memory available to the optimizer so that a
// long run can stop cleanly before the machine starts swapping.
package resource

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const bytesPerGB = 1 << 30

// DefaultThresholdGB is the available memory below which a run stops.
const DefaultThresholdGB = 3.0

// MemoryGuard reads the available memory of the host.
type MemoryGuard struct {
	// MeminfoPath overrides /proc/meminfo, for tests.
	MeminfoPath string
}

// AvailableMemoryGB returns the memory the kernel considers available for new
// allocations. It prefers MemAvailable from /proc/meminfo and falls back to
// free plus buffer RAM from sysinfo(2).
func (g *MemoryGuard) AvailableMemoryGB() (float64, error) {
	path := g.MeminfoPath
	if path == "" {
		path = "/proc/meminfo"
	}

	if f, err := os.Open(path); err == nil {
		defer f.Close()
		if kb, err := parseMemAvailable(f); err == nil {
			return float64(kb) * 1024 / bytesPerGB, nil
		}
	}

	free, err := sysinfoFree()
	if err != nil {
		return 0, fmt.Errorf("failed to query available memory: %w", err)
	}
	return float64(free) / bytesPerGB, nil
}

// parseMemAvailable returns MemAvailable in kB.
func parseMemAvailable(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected format in meminfo: %q", line)
		}
		return strconv.ParseInt(fields[1], 10, 64)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemAvailable not found in meminfo")
}

// StaticGuard reports a scripted sequence of values, repeating the last one.
type StaticGuard struct {
	Values []float64
	Err    error

	calls int
}

// AvailableMemoryGB returns the next scripted value.
func (g *StaticGuard) AvailableMemoryGB() (float64, error) {
	if g.Err != nil {
		return 0, g.Err
	}
	if len(g.Values) == 0 {
		return 1e9, nil
	}
	i := min(g.calls, len(g.Values)-1)
	g.calls++
	return g.Values[i], nil
}

// Calls returns how often the guard was queried.
func (g *StaticGuard) Calls() int { return g.calls }
