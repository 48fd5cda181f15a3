package stack

// YAML anchors are "&name" (definition) and "*name" (reference) tokens where
// name is one or more of [A-Za-z0-9_-]. A token only counts when it starts a
// node: at line start or after whitespace, '[', '{' or ','. Comments and
// quoted scalars are skipped.

// RequiredAnchors returns the anchors referenced by fragment but not defined
// in it, in order of first reference.
func RequiredAnchors(fragment string) []string {
	defs := map[string]bool{}
	for _, name := range anchorDefinitions(fragment) {
		defs[name] = true
	}

	var required []string
	seen := map[string]bool{}
	for _, name := range scanAnchors(fragment, '*') {
		if defs[name] || seen[name] {
			continue
		}
		seen[name] = true
		required = append(required, name)
	}
	return required
}

func anchorDefinitions(content string) []string {
	return scanAnchors(content, '&')
}

// scanAnchors returns every anchor token introduced by sigil, in order.
func scanAnchors(content string, sigil byte) []string {
	var names []string
	for _, line := range splitLines(content) {
		var quote byte
		for i := 0; i < len(line); i++ {
			c := line[i]
			if quote != 0 {
				if c == '\\' && quote == '"' {
					i++
				} else if c == quote {
					quote = 0
				}
				continue
			}

			switch {
			case (c == '"' || c == '\'') && startsNode(line, i):
				quote = c
			case c == '#' && (i == 0 || isSpace(line[i-1])):
				i = len(line)
			case c == sigil && startsNode(line, i):
				j := i + 1
				for j < len(line) && isAnchorChar(line[j]) {
					j++
				}
				if j > i+1 {
					names = append(names, line[i+1:j])
				}
				i = j - 1
			}
		}
	}
	return names
}

func startsNode(line string, i int) bool {
	if i == 0 {
		return true
	}
	switch p := line[i-1]; p {
	case '[', '{', ',':
		return true
	default:
		return isSpace(p)
	}
}

func isAnchorChar(c byte) bool {
	return isAlnum(c) || c == '_' || c == '-'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}
