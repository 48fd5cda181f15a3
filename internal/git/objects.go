package git

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitInfo carries the metadata of a commit used in reports.
type CommitInfo struct {
	SHA     string    `json:"sha"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
}

// open returns a fresh handle on the repository. Pushes write refs and packs
// behind our back, so handles are never kept around.
func (r *Repository) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", r.dir, err)
	}
	return repo, nil
}

// Head returns the commit the tracked branch points at, or "" when the
// branch has no commits yet.
func (r *Repository) Head(_ context.Context) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}

	ref, err := repo.Reference(plumbing.ReferenceName(r.BranchRef()), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve %s: %w", r.BranchRef(), err)
	}
	return ref.Hash().String(), nil
}

// Parent returns the first parent of rev, or "" for a root commit.
func (r *Repository) Parent(_ context.Context, rev string) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}

	commit, err := commitAt(repo, rev)
	if err != nil {
		return "", err
	}
	if commit.NumParents() == 0 {
		return "", nil
	}
	return commit.ParentHashes[0].String(), nil
}

// CommitInfo returns author and message metadata of rev.
func (r *Repository) CommitInfo(_ context.Context, rev string) (*CommitInfo, error) {
	repo, err := r.open()
	if err != nil {
		return nil, err
	}

	commit, err := commitAt(repo, rev)
	if err != nil {
		return nil, err
	}

	return &CommitInfo{
		SHA:     commit.Hash.String(),
		Author:  commit.Author.Name,
		Email:   commit.Author.Email,
		Date:    commit.Author.When,
		Message: strings.TrimSpace(commit.Message),
	}, nil
}

// ReadBlob reads a file at the tip of the tracked branch.
func (r *Repository) ReadBlob(ctx context.Context, path string) (string, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return "", err
	}
	if head == "" {
		r.logger.Debug("path does not exist, repository is empty", "path", path)
		return "", ErrNotFound
	}
	return r.ReadBlobAt(ctx, head, path)
}

// ReadBlobAt reads a file at rev. A missing path yields ErrNotFound and is
// only logged at debug level; every other failure is returned as is.
func (r *Repository) ReadBlobAt(_ context.Context, rev, path string) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}

	commit, err := commitAt(repo, rev)
	if err != nil {
		return "", err
	}

	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			r.logger.Debug("path does not exist", "path", path, "commit", shortSHA(rev))
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read %s at %s: %w", path, shortSHA(rev), err)
	}

	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("failed to read %s at %s: %w", path, shortSHA(rev), err)
	}
	return content, nil
}

// ListPaths lists every tracked file below prefix at rev, sorted. An empty
// rev (a repository without commits) yields no paths.
func (r *Repository) ListPaths(_ context.Context, rev, prefix string) ([]string, error) {
	if rev == "" {
		return []string{}, nil
	}

	repo, err := r.open()
	if err != nil {
		return nil, err
	}

	commit, err := commitAt(repo, rev)
	if err != nil {
		return nil, err
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", shortSHA(rev), err)
	}

	dir := strings.Trim(prefix, "/")
	paths := []string{}
	err = tree.Files().ForEach(func(f *object.File) error {
		if dir == "" || strings.HasPrefix(f.Name, dir+"/") {
			paths = append(paths, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree of %s: %w", shortSHA(rev), err)
	}

	sort.Strings(paths)
	return paths, nil
}

func commitAt(repo *gogit.Repository, rev string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision %q: %w", rev, err)
	}

	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", shortSHA(rev), err)
	}
	return commit, nil
}
