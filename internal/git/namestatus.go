package git

import (
	"fmt"
	"strconv"
	"strings"
)

// ChangeKind classifies a changed path.
type ChangeKind string

const (
	Added    ChangeKind = "A"
	Deleted  ChangeKind = "D"
	Modified ChangeKind = "M"
	Renamed  ChangeKind = "R"
)

// Change is one changed path of a commit range.
type Change struct {
	Path   string     `json:"file"`
	Kind   ChangeKind `json:"type"`
	Reason string     `json:"reason"`
}

// ParseNameStatus parses `git diff --name-status` (or `git show
// --name-status --oneline`) output. Lines without a tab, such as the oneline
// header, are skipped. Renames and copies report their destination path.
func ParseNameStatus(out, reason string) ([]Change, error) {
	changes := []Change{}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || !strings.Contains(line, "\t") {
			continue
		}

		fields := strings.Split(line, "\t")
		status := fields[0]
		if status == "" {
			return nil, fmt.Errorf("missing status in line %q", line)
		}

		var kind ChangeKind
		pathField := 1
		switch status[0] {
		case 'A':
			kind = Added
		case 'D':
			kind = Deleted
		case 'M', 'T':
			kind = Modified
		case 'R':
			kind = Renamed
			pathField = 2
		case 'C':
			kind = Added
			pathField = 2
		default:
			return nil, fmt.Errorf("unknown status %q in line %q", status, line)
		}

		if len(fields) <= pathField {
			return nil, fmt.Errorf("missing path in line %q", line)
		}

		path, err := unquotePath(fields[pathField])
		if err != nil {
			return nil, fmt.Errorf("invalid path in line %q: %w", line, err)
		}

		changes = append(changes, Change{Path: path, Kind: kind, Reason: reason})
	}

	return changes, nil
}

// unquotePath decodes the C-style quoting git applies to unusual paths.
func unquotePath(p string) (string, error) {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		return strconv.Unquote(p)
	}
	return p, nil
}
