package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a path does not exist at the requested commit.
var ErrNotFound = errors.New("path does not exist")

// zeroHash is the all-zero object id git uses for "no such ref".
const zeroHash = "0000000000000000000000000000000000000000"

// Repository is the descriptor store: a bare repository holding the desired
// state. Object reads go through go-git; history mutation and diffs shell out
// to the git command.
type Repository struct {
	dir    string
	branch string
	logger *slog.Logger
}

// NewRepository creates a store for the bare repository at dir tracking branch.
func NewRepository(dir, branch string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		dir:    dir,
		branch: branch,
		logger: logger.With("component", "git"),
	}
}

// Dir returns the git directory of the repository
func (r *Repository) Dir() string {
	return r.dir
}

// BranchRef returns the fully qualified tracked branch name
func (r *Repository) BranchRef() string {
	return "refs/heads/" + r.branch
}

// Init creates the bare repository if needed, allows pushes over smart HTTP
// and seeds an initial commit containing a README when the tracked branch
// has no commits yet. Running it against an initialized repository only
// re-applies the configuration.
func (r *Repository) Init(ctx context.Context) error {
	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(r.dir), 0755); err != nil {
			return fmt.Errorf("failed to create git root: %w", err)
		}

		cmd := exec.CommandContext(ctx, "git", "init", "--bare", "--initial-branch="+r.branch, r.dir)
		if err := runCommand(cmd); err != nil {
			return fmt.Errorf("git init failed: %w", err)
		}
		r.logger.Info("created bare repository", "dir", r.dir, "branch", r.branch)
	} else if err != nil {
		return fmt.Errorf("failed to stat repository: %w", err)
	}

	if _, err := r.git(ctx, nil, nil, "config", "http.receivepack", "true"); err != nil {
		return fmt.Errorf("git config failed: %w", err)
	}
	if _, err := r.git(ctx, nil, nil, "symbolic-ref", "HEAD", r.BranchRef()); err != nil {
		return fmt.Errorf("git symbolic-ref failed: %w", err)
	}

	head, err := r.Head(ctx)
	if err != nil {
		return err
	}
	if head != "" {
		return nil
	}

	commit, err := r.createInitialCommit(ctx)
	if err != nil {
		return fmt.Errorf("failed to create initial commit: %w", err)
	}
	r.logger.Info("created initial commit", "commit", commit)
	return nil
}

// createInitialCommit writes a README-only commit with plumbing commands so
// no working tree is needed.
func (r *Repository) createInitialCommit(ctx context.Context) (string, error) {
	name := strings.TrimSuffix(filepath.Base(r.dir), ".git")

	blob, err := r.git(ctx, strings.NewReader(initialReadme(name)), nil, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", fmt.Errorf("git hash-object failed: %w", err)
	}

	entry := fmt.Sprintf("100644 blob %s\tREADME.md\n", strings.TrimSpace(blob))
	tree, err := r.git(ctx, strings.NewReader(entry), nil, "mktree")
	if err != nil {
		return "", fmt.Errorf("git mktree failed: %w", err)
	}

	env := []string{
		"GIT_AUTHOR_NAME=composesyncd",
		"GIT_AUTHOR_EMAIL=composesyncd@localhost",
		"GIT_COMMITTER_NAME=composesyncd",
		"GIT_COMMITTER_EMAIL=composesyncd@localhost",
	}
	commit, err := r.git(ctx, nil, env, "commit-tree", strings.TrimSpace(tree), "-m", "Initial commit")
	if err != nil {
		return "", fmt.Errorf("git commit-tree failed: %w", err)
	}
	commit = strings.TrimSpace(commit)

	if _, err := r.git(ctx, nil, nil, "update-ref", r.BranchRef(), commit, zeroHash); err != nil {
		return "", fmt.Errorf("git update-ref failed: %w", err)
	}
	return commit, nil
}

// Diff returns the changes between two commits. An empty from lists the
// content of the root commit to as additions.
func (r *Repository) Diff(ctx context.Context, from, to string) ([]Change, error) {
	reason := "Change at " + shortSHA(to)

	var (
		out string
		err error
	)
	if from == "" {
		out, err = r.git(ctx, nil, nil, "-c", "core.quotePath=false", "show", "--name-status", "--oneline", "-M", to)
	} else {
		out, err = r.git(ctx, nil, nil, "-c", "core.quotePath=false", "diff", "--name-status", "-M", from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}

	changes, err := ParseNameStatus(out, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff: %w", err)
	}
	return changes, nil
}

// ResetSoft moves the tracked branch to target if it still points at
// expected. In a bare repository this is exactly a soft reset. An empty
// target deletes the branch.
func (r *Repository) ResetSoft(ctx context.Context, target, expected string) error {
	if expected == "" {
		expected = zeroHash
	}

	var err error
	if target == "" {
		_, err = r.git(ctx, nil, nil, "update-ref", "-d", r.BranchRef(), expected)
	} else {
		_, err = r.git(ctx, nil, nil, "update-ref", "-m", "composesyncd: revert failed synthesis", r.BranchRef(), target, expected)
	}
	if err != nil {
		return fmt.Errorf("git update-ref failed: %w", err)
	}

	r.logger.Info("reset tracked branch", "branch", r.branch, "from", shortSHA(expected), "to", shortSHA(target))
	return nil
}

// git runs a git subcommand against the repository and returns stdout.
func (r *Repository) git(ctx context.Context, stdin io.Reader, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"--git-dir", r.dir}, args...)...)
	cmd.Stdin = stdin
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func initialReadme(repoName string) string {
	return `# ` + repoName + `

Desired state of the Docker Compose stacks deployed on this host.

## Usage

Clone the repository:

    git clone http://<host>:3000/` + repoName + `.git

Create a stack:

    mkdir -p stacks/mystack
    vi stacks/mystack/docker-compose.yaml

Share configuration between stacks by importing fragments at the top of a
descriptor:

    #! fragments/logging.yaml

Push the change:

    git add . && git commit -m "add mystack" && git push

"mystack" is deployed once the push is accepted. If the deployment fails the
commit is removed from the branch again.
`
}
