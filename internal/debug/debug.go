// Package debug provides a leveled logger gated by the DEBUG_LEVEL
// environment variable, used throughout the engine for wire-level tracing
// that would be too noisy to leave on by default.
package debug

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

var level = parseLevel()

func parseLevel() int {
	v := os.Getenv("DEBUG_LEVEL")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Log writes a formatted message if lvl is at or below the DEBUG_LEVEL
// threshold (0 disables all debug output).
func Log(lvl int, format string, v ...any) {
	if lvl > level {
		return
	}
	log.Output(2, fmt.Sprintf(format, v...))
}

// Enabled reports whether lvl would currently produce output, for callers
// that want to skip building an expensive message.
func Enabled(lvl int) bool {
	return lvl <= level
}
