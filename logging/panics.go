package logging

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// CaptureStack returns the current goroutine stack, trimmed to start at the
// frame that panicked when called from a deferred recover.
func CaptureStack() []byte {
	stack := make([]byte, 8096)
	stack = stack[:runtime.Stack(stack, false)]
	return cleanStackTrace(stack)
}

// FormatPanic renders a recovered panic with its type, sorted context fields
// and stack.
func FormatPanic(where string, value any, stack []byte, fields map[string]any) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("recovered from panic in %s\n", where))
	sb.WriteString(fmt.Sprintf("Error: %v\n", value))
	sb.WriteString(fmt.Sprintf("Error Type: %T\n", value))

	if len(fields) > 0 {
		sb.WriteString("Context:\n")
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, fields[k]))
		}
	}

	if len(stack) > 0 {
		sb.WriteString("Stack Trace:\n")
		sb.Write(stack)
	}
	return sb.String()
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call and its file reference:
	// panic({0x101fc1100?, 0x14000817248?})
	//         ./go/src/runtime/panic.go:785 +0x124
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
