package mux

import "strings"

// FieldSeparator delimits tmux format fields; ASCII Unit Separator does not
// collide with pane titles or paths.
const FieldSeparator = "\x1f"

func joinFormat(fields ...string) string {
	return strings.Join(fields, FieldSeparator)
}

func splitFormat(line string, maxParts int) []string {
	line = strings.TrimRight(line, "\r\n")
	if strings.Contains(line, FieldSeparator) {
		return strings.SplitN(line, FieldSeparator, maxParts)
	}
	// older tmux builds escape control characters in format output
	if strings.Contains(line, `\037`) {
		return strings.SplitN(line, `\037`, maxParts)
	}
	return []string{line}
}

// sessionTarget matches a session name exactly instead of by prefix.
func sessionTarget(name string) string { return "=" + name }

func paneTarget(name string) string { return "=" + name + ":" }
