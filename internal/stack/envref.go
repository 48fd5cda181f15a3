package stack

import "strings"

// VariableRefs returns the environment variable names a compose file
// interpolates, in order of first appearance. It understands $NAME, ${NAME}
// and the modifier forms ${NAME:-x}, ${NAME-x}, ${NAME:?x}, ${NAME?x} and
// ${NAME:+x}, including variables nested in the modifier value. "$$" is an
// escaped dollar sign. Comment lines are ignored.
func VariableRefs(content string) []string {
	var (
		names []string
		seen  = map[string]bool{}
	)

	for _, line := range splitLines(content) {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		for i := 0; i < len(line); i++ {
			if line[i] != '$' {
				continue
			}
			if i+1 < len(line) && line[i+1] == '$' {
				i++
				continue
			}

			start := i + 1
			if start < len(line) && line[start] == '{' {
				start++
			}
			end := start
			for end < len(line) && isVarChar(line[end], end == start) {
				end++
			}
			if end == start {
				continue
			}

			name := line[start:end]
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			// Modifier values are scanned by the outer loop, which picks
			// up nested references.
			i = end - 1
		}
	}
	return names
}

func isVarChar(c byte, first bool) bool {
	if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return true
	}
	return !first && c >= '0' && c <= '9'
}
