package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sigengine/sigengine/internal/store"
)

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// splitList parses a comma-separated flag value, trimming whitespace
// and dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseAllocation parses "60,20,20" into percentages.
func parseAllocation(value string) ([]int, error) {
	parts := splitList(value)
	if len(parts) == 0 {
		return nil, fmt.Errorf("allocation must not be empty")
	}
	alloc := make([]int, len(parts))
	for i, part := range parts {
		pct, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid allocation entry %q", part)
		}
		alloc[i] = pct
	}
	return alloc, nil
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
