package input

import "strings"

// Sequence translates a human-readable key name (e.g. "Enter", "C-]")
// to its terminal byte sequence. Unknown names are returned as-is so
// literal sequences can be configured directly.
func Sequence(key string) string {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "enter":
		return "\r"
	case "c-c":
		return "\x03"
	case "c-d":
		return "\x04"
	case "c-z":
		return "\x1a"
	case "c-l":
		return "\x0c"
	case "c-]":
		return "\x1d"
	case "c-_", "c--":
		return "\x1f"
	case "escape", "esc":
		return "\x1b"
	case "tab":
		return "\t"
	case "backspace":
		return "\x7f"
	case "up":
		return "\x1b[A"
	case "down":
		return "\x1b[B"
	case "right":
		return "\x1b[C"
	case "left":
		return "\x1b[D"
	default:
		return key
	}
}
