package guard

import (
	"regexp"
	"strings"
)

var heredocOpen = regexp.MustCompile(`<<-?\s*(?:'([A-Za-z_][A-Za-z0-9_]*)'|"([A-Za-z_][A-Za-z0-9_]*)")`)

// stripQuotedHeredocs drops the body of quoted heredocs so literal file
// content cannot trip shell-injection rules. Unquoted heredocs are left
// intact: they undergo expansion and stay dangerous. The pass is
// line-oriented; the current delimiter is held until a line matches it
// exactly after trimming.
func stripQuotedHeredocs(command string) string {
	if !strings.Contains(command, "<<") {
		return command
	}

	lines := strings.Split(command, "\n")
	var out []string
	delim := ""
	for _, line := range lines {
		if delim != "" {
			if strings.TrimSpace(line) == delim {
				delim = ""
			}
			continue
		}
		if m := heredocOpen.FindStringSubmatch(line); m != nil {
			if m[1] != "" {
				delim = m[1]
			} else {
				delim = m[2]
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// stripQuotedStrings collapses single- and double-quoted content to empty
// strings so quoted arguments (e.g. "start:'node src/server.js'") do not
// trigger hanging-command rules. The quote characters themselves are kept.
func stripQuotedStrings(command string) string {
	var b strings.Builder
	b.Grow(len(command))
	var quote rune
	escaped := false
	for _, r := range command {
		if quote != 0 {
			if escaped {
				escaped = false
				continue
			}
			// Backslash escapes only apply inside double quotes.
			if r == '\\' && quote == '"' {
				escaped = true
				continue
			}
			if r == quote {
				b.WriteRune(r)
				quote = 0
			}
			continue
		}
		if r == '\'' || r == '"' {
			quote = r
		}
		b.WriteRune(r)
	}
	return b.String()
}
