package sync

import (
	"context"
	"strings"

	"github.com/schaermu/composesyncd/internal/git"
)

// classify turns a diff into the ordered list of stacks to apply.
//
// Added, modified and renamed stack descriptors are applied in diff order.
// Deleted descriptors are not applied; their projects keep running. Every
// other changed path is treated as a potential fragment: stacks whose raw
// descriptor mentions the path are appended in listing order.
func (c *Controller) classify(ctx context.Context, rev string, changes []git.Change) ([]git.Change, error) {
	actionable := []git.Change{}
	seen := map[string]bool{}
	var fragments []string

	for _, ch := range changes {
		name, ok := c.matcher.Name(ch.Path)
		if !ok {
			fragments = append(fragments, ch.Path)
			continue
		}

		if ch.Kind == git.Deleted {
			c.logger.Warn("stack removed from repository, its containers are left running", "stack", name, "path", ch.Path)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		actionable = append(actionable, ch)
	}

	if len(fragments) == 0 {
		return actionable, nil
	}

	paths, err := c.store.ListPaths(ctx, rev, c.matcher.Prefix())
	if err != nil {
		return nil, err
	}

	for _, p := range paths {
		name, ok := c.matcher.Name(p)
		if !ok || seen[name] {
			continue
		}

		raw, err := c.store.ReadBlobAt(ctx, rev, p)
		if err != nil {
			return nil, err
		}

		for _, f := range fragments {
			if strings.Contains(raw, f) {
				seen[name] = true
				actionable = append(actionable, git.Change{
					Path:   p,
					Kind:   git.Modified,
					Reason: "Stack references fragment " + f,
				})
				break
			}
		}
	}

	return actionable, nil
}
