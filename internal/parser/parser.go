// Package parser classifies terminal output for the heads-up status
// read path. It strips ANSI control sequences and decides whether the
// wrapped program currently shows a prompt, an error, or plain output.
package parser

import (
	"regexp"
	"strings"
)

// Class labels a line of cleaned terminal output.
type Class string

const (
	ClassNormal Class = "normal"
	ClassPrompt Class = "prompt"
	ClassError  Class = "error"
)

var ansiSequences = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`),        // CSI
	regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`),       // OSC
	regexp.MustCompile(`\x1bP.*?\x1b\\`),                 // DCS
	regexp.MustCompile(`\x1b\^.*?\x1b\\`),                // PM
	regexp.MustCompile(`\x1b_.*?\x1b\\`),                 // APC
	regexp.MustCompile(`\x1bk.*?\x1b\\`),                 // old-style title
	regexp.MustCompile(`\x1b[()][0-9A-Za-z]`),            // charset select
	regexp.MustCompile(`\x1b[=>]`),                       // keypad modes
	regexp.MustCompile(`\x1b.`),                          // any remaining escape
}

var (
	promptShellPattern   = regexp.MustCompile(`[$>%❯#]\s*$`)
	promptConfirmPattern = regexp.MustCompile(`(?i)\[(Y/n|y/N|yes/no)\]|\(y/n\)|\(Y/N\)`)
	promptAskPattern     = regexp.MustCompile(`(?i)(Continue\?|Proceed\?|Are you sure\?|Do you want to|Would you like to|Press Enter to continue)`)
	errorPattern         = regexp.MustCompile(`(?m)^(?:(?:error|Error|ERROR|fatal|FATAL|panic):)|(?:failed|FAILED)|(?:Traceback)`)
)

// StripANSI removes escape sequences and non-printing control bytes,
// applying backspaces and dropping carriage returns so the result reads
// like what the terminal finally displays.
func StripANSI(s string) string {
	for _, re := range ansiSequences {
		s = re.ReplaceAllString(s, "")
	}

	cleaned := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\r':
		case ch == '\b':
			if len(cleaned) > 0 {
				cleaned = cleaned[:len(cleaned)-1]
			}
		case (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t':
		default:
			cleaned = append(cleaned, ch)
		}
	}
	return string(cleaned)
}

// Classify labels a single cleaned line.
func Classify(line string) Class {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ClassNormal
	}
	if promptShellPattern.MatchString(trimmed) ||
		promptConfirmPattern.MatchString(trimmed) ||
		promptAskPattern.MatchString(trimmed) {
		return ClassPrompt
	}
	if errorPattern.MatchString(trimmed) {
		return ClassError
	}
	return ClassNormal
}

// LastLine returns the last non-empty line of raw terminal output after
// ANSI stripping.
func LastLine(raw string) string {
	lines := strings.Split(StripANSI(raw), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// PromptReady reports whether the tail of the output looks like the
// wrapped program is waiting at a prompt.
func PromptReady(raw string) bool {
	return Classify(LastLine(raw)) == ClassPrompt
}
