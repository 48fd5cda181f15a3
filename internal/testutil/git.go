package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// gitEnv pins identity and config so tests do not depend on the host setup.
var gitEnv = []string{
	"GIT_AUTHOR_NAME=Test",
	"GIT_AUTHOR_EMAIL=test@test.com",
	"GIT_COMMITTER_NAME=Test",
	"GIT_COMMITTER_EMAIL=test@test.com",
	"GIT_CONFIG_NOSYSTEM=1",
	"GIT_TERMINAL_PROMPT=0",
}

// Git runs git in dir and returns its trimmed output, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := TryGit(dir, args...)
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return out
}

// TryGit runs git in dir and returns its trimmed combined output and error.
func TryGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), gitEnv...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// NewWorkRepo creates a non-bare repository on branch in a temporary directory.
func NewWorkRepo(t *testing.T, branch string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-b", branch)
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	return dir
}

// CommitFiles writes files (repository path to content) into dir, commits
// them and returns the new commit id.
func CommitFiles(t *testing.T, dir string, files map[string]string, msg string) string {
	t.Helper()
	for p, content := range files {
		dst := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(dst, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "--allow-empty", "-m", msg)
	return Git(t, dir, "rev-parse", "HEAD")
}

// RemoveFiles deletes paths from dir, commits and returns the new commit id.
func RemoveFiles(t *testing.T, dir string, paths []string, msg string) string {
	t.Helper()
	Git(t, dir, append([]string{"rm", "-q", "--"}, paths...)...)
	Git(t, dir, "commit", "-m", msg)
	return Git(t, dir, "rev-parse", "HEAD")
}

// GitDir returns the git directory of a work repository created by NewWorkRepo.
func GitDir(dir string) string {
	return filepath.Join(dir, ".git")
}
