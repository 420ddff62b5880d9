package terminal

import "strings"

// escapeArg quotes one CreateProcess argument so that CommandLineToArgvW
// parses it back to the original string. Arguments without quotes,
// backslashes, or whitespace pass through untouched; an empty argument
// becomes "". The rules match Go's syscall.EscapeArg: a backslash is
// doubled only when it precedes a double quote (or the closing quote of a
// wrapped argument), and every double quote gets a backslash in front.
func escapeArg(s string) string {
	if len(s) == 0 {
		return `""`
	}

	needsEscape, needsQuotes := false, false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			needsEscape = true
		case ' ', '\t':
			needsQuotes = true
		}
	}
	if !needsEscape && !needsQuotes {
		return s
	}
	if !needsEscape {
		return `"` + s + `"`
	}

	b := make([]byte, 0, len(s)+4)
	if needsQuotes {
		b = append(b, '"')
	}
	slashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			slashes++
		case '"':
			for ; slashes >= 0; slashes-- {
				b = append(b, '\\')
			}
			slashes = 0
		default:
			slashes = 0
		}
		b = append(b, c)
	}
	if needsQuotes {
		// Trailing backslashes would otherwise escape the closing quote.
		for ; slashes > 0; slashes-- {
			b = append(b, '\\')
		}
		b = append(b, '"')
	}
	return string(b)
}

// buildCmdLine assembles the single command-line string CreateProcess
// expects from an argv slice.
func buildCmdLine(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = escapeArg(arg)
	}
	return strings.Join(escaped, " ")
}
