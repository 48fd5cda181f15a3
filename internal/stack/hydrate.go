package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrFragmentNotFound is returned when an imported fragment does not exist.
var ErrFragmentNotFound = errors.New("fragment not found")

const (
	markerStart = "# === fragments start ==="
	markerEnd   = "# === fragments end ==="
)

// FragmentSource reads fragment content by repository path. Implementations
// must return an error wrapping ErrFragmentNotFound for missing paths.
type FragmentSource interface {
	ReadFragment(ctx context.Context, path string) (string, error)
}

// Fragment is an imported fragment file.
type Fragment struct {
	Path    string
	Content string
}

// Hydrated is the result of expanding a descriptor with its imports.
type Hydrated struct {
	Content   string
	Fragments []Fragment
}

// Hydrate resolves the import directives of raw against src and returns the
// self-contained descriptor. The fragments are inserted between marker
// comments right before the top-level services key, or at the start of the
// document if there is none. Directives without a path are removed and
// import nothing. Content without directives is returned as is.
func Hydrate(ctx context.Context, raw string, src FragmentSource) (*Hydrated, error) {
	imports := ParseImports(raw)
	if len(imports) == 0 {
		return &Hydrated{Content: StripImports(raw)}, nil
	}

	fragments := make([]Fragment, 0, len(imports))
	for _, p := range imports {
		content, err := src.ReadFragment(ctx, p)
		if err != nil {
			if errors.Is(err, ErrFragmentNotFound) {
				return nil, fmt.Errorf("import %s: %w", p, err)
			}
			return nil, fmt.Errorf("failed to read fragment %s: %w", p, err)
		}
		fragments = append(fragments, Fragment{Path: p, Content: content})
	}

	stripped := StripImports(raw)
	block := renderBlock(fragments)

	at := servicesOffset(stripped)
	return &Hydrated{
		Content:   stripped[:at] + block + stripped[at:],
		Fragments: fragments,
	}, nil
}

func renderBlock(fragments []Fragment) string {
	var b strings.Builder
	b.WriteString(markerStart + "\n")
	for _, f := range fragments {
		b.WriteString("# fragment -> " + f.Path + "\n")
		b.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString(markerEnd + "\n")
	return b.String()
}

// servicesOffset returns the byte offset of the first line starting with
// "services:", or 0.
func servicesOffset(content string) int {
	offset := 0
	for _, line := range strings.SplitAfter(content, "\n") {
		if strings.HasPrefix(line, "services:") {
			return offset
		}
		offset += len(line)
	}
	return 0
}

// UndefinedAnchors returns the anchors the imported fragments reference
// without defining, which the hydrated document defines nowhere either.
func UndefinedAnchors(h *Hydrated) []string {
	defined := map[string]bool{}
	for _, name := range anchorDefinitions(h.Content) {
		defined[name] = true
	}

	var missing []string
	seen := map[string]bool{}
	for _, f := range h.Fragments {
		for _, name := range RequiredAnchors(f.Content) {
			if defined[name] || seen[name] {
				continue
			}
			seen[name] = true
			missing = append(missing, name)
		}
	}
	return missing
}
