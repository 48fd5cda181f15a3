package stack

import "strings"

// Import directives are lines starting with "#!" in the first column. The
// rest of the line, trimmed, is the repository path of a fragment:
//
//	directive = "#!" { space } path { space } EOL
//
// A directive without a path is ignored.

// ParseImports returns the fragment paths imported by content, in order of
// first appearance.
func ParseImports(content string) []string {
	var (
		paths []string
		seen  = map[string]bool{}
	)
	for _, line := range splitLines(content) {
		target, ok := directive(line)
		if !ok || target == "" || seen[target] {
			continue
		}
		seen[target] = true
		paths = append(paths, target)
	}
	return paths
}

// StripImports removes every directive line. Blank lines that would be left
// next to a removed directive are dropped as well, so no gap remains where
// the directives were. Content without directives is returned unchanged.
func StripImports(content string) string {
	lines := splitLines(content)
	kept := make([]string, 0, len(lines))

	removed, found := false, false
	for _, line := range lines {
		if _, ok := directive(line); ok {
			removed, found = true, true
			continue
		}
		if removed && isBlank(line) && (len(kept) == 0 || isBlank(kept[len(kept)-1])) {
			continue
		}
		if !isBlank(line) {
			removed = false
		}
		kept = append(kept, line)
	}
	if !found {
		return content
	}

	out := strings.Join(kept, "\n")
	if strings.HasSuffix(content, "\n") && out != "" {
		out += "\n"
	}
	return out
}

func directive(line string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimRight(line, "\r"), "#!")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// splitLines splits content into lines without the trailing newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}
