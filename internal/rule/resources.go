package rule

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Resources is the per-job resource request.
type Resources struct {
	CPU            int           // cores; zero means one
	Memory         uint64        // bytes; zero means unspecified
	Timeout        time.Duration // zero means no limit
	ClusterOptions string        // passed verbatim to cluster submission
}

// ParseMemory parses a human readable size such as "4G" or "512MiB".
func ParseMemory(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory %q: %w", s, err)
	}
	return n, nil
}

// Cores returns the cpu request, never less than one.
func (r Resources) Cores() int {
	if r.CPU < 1 {
		return 1
	}
	return r.CPU
}

// MemoryString formats the memory request for display, or "-" if unset.
func (r Resources) MemoryString() string {
	if r.Memory == 0 {
		return "-"
	}
	return humanize.IBytes(r.Memory)
}

func (r Resources) String() string {
	s := fmt.Sprintf("cpu=%d mem=%s", r.Cores(), r.MemoryString())
	if r.Timeout > 0 {
		s += " timeout=" + r.Timeout.String()
	}
	return s
}

func (r Resources) validate() error {
	if r.CPU < 0 {
		return fmt.Errorf("cpu must be >= 1, got %d", r.CPU)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", r.Timeout)
	}
	return nil
}
