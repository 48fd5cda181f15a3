package sync

import (
	"context"
	"slices"

	"github.com/schaermu/composesyncd/internal/stack"
)

// FragmentInfo describes one fragment file at the branch tip.
type FragmentInfo struct {
	Path string `json:"path"`
	// RequiredAnchors must be defined by every stack importing the fragment.
	RequiredAnchors []string `json:"requiredAnchors"`
	// UsedBy names the stacks importing the fragment.
	UsedBy []string `json:"usedBy"`
}

// Fragments lists the files under the fragments prefix at the branch tip.
// It does not take the lock.
func (c *Controller) Fragments(ctx context.Context) ([]FragmentInfo, error) {
	tip, err := c.tip(ctx)
	if err != nil {
		return nil, err
	}

	imports, err := c.stackImports(ctx, tip)
	if err != nil {
		return nil, err
	}

	paths, err := c.store.ListPaths(ctx, tip, c.cfg.Paths.Fragments)
	if err != nil {
		return nil, err
	}

	fragments := make([]FragmentInfo, 0, len(paths))
	for _, p := range paths {
		content, err := c.store.ReadBlobAt(ctx, tip, p)
		if err != nil {
			return nil, err
		}

		info := FragmentInfo{
			Path:            p,
			RequiredAnchors: stack.RequiredAnchors(content),
			UsedBy:          []string{},
		}
		if info.RequiredAnchors == nil {
			info.RequiredAnchors = []string{}
		}
		for _, name := range sortedKeys(imports) {
			if slices.Contains(imports[name], p) {
				info.UsedBy = append(info.UsedBy, name)
			}
		}
		fragments = append(fragments, info)
	}
	return fragments, nil
}

// stackImports returns the fragment paths imported by each stack at rev.
func (c *Controller) stackImports(ctx context.Context, rev string) (map[string][]string, error) {
	paths, err := c.store.ListPaths(ctx, rev, c.matcher.Prefix())
	if err != nil {
		return nil, err
	}

	imports := map[string][]string{}
	for _, p := range paths {
		name, ok := c.matcher.Name(p)
		if !ok {
			continue
		}
		if _, seen := imports[name]; seen {
			continue
		}
		raw, err := c.store.ReadBlobAt(ctx, rev, p)
		if err != nil {
			return nil, err
		}
		imports[name] = stack.ParseImports(raw)
	}
	return imports, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
