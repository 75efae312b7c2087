package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Options are the parsed form of the opaque backend configuration string.
type Options struct {
	// NumThreads for inference (0 = backend default)
	NumThreads int

	// OptimizationLevel is passed to backends that support graph optimization.
	OptimizationLevel int
}

// ParseOptions parses a backend configuration string of the form
// "threads=4,optimization=3". Pairs may be separated by ',' or ';'.
func ParseOptions(config string) (Options, error) {
	var opts Options

	fields := strings.FieldsFunc(config, func(r rune) bool {
		return r == ',' || r == ';'
	})
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Options{}, fmt.Errorf("invalid backend option %q (expected key=value)", field)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		n, err := strconv.Atoi(value)
		if err != nil {
			return Options{}, fmt.Errorf("parsing backend option %q: %w", key, err)
		}
		if n < 0 {
			return Options{}, fmt.Errorf("backend option %q must not be negative", key)
		}

		switch key {
		case "threads":
			opts.NumThreads = n
		case "optimization":
			opts.OptimizationLevel = n
		default:
			return Options{}, fmt.Errorf("unknown backend option %q", key)
		}
	}
	return opts, nil
}
