//go:build integration

package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/engine"
	"github.com/schaermu/composesyncd/internal/git"
	"github.com/schaermu/composesyncd/internal/gitserver"
	"github.com/schaermu/composesyncd/internal/httpserver"
	"github.com/schaermu/composesyncd/internal/notify"
	composesyncd "github.com/schaermu/composesyncd/internal/sync"
	"github.com/schaermu/composesyncd/internal/testutil"
)

const defaultTimeout = 30 * time.Second

// composeScript stands in for "docker compose". It logs its arguments and
// fails the pull step of descriptors using the image "broken".
const composeScript = `#!/bin/sh
echo "$@" >> "%s"
file=""
step=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-f" ]; then file="$arg"; fi
  case "$arg" in
    down|pull|up) if [ -z "$step" ]; then step="$arg"; fi ;;
  esac
  prev="$arg"
done
if [ "$step" = "pull" ] && grep -q "image: broken" "$file"; then
  echo "pull access denied for broken" >&2
  exit 1
fi
echo "$step done"
`

// Harness runs the daemon in-process: the smart HTTP git server in front of
// a real bare repository, the controller with a scripted compose binary and
// a notification receiver. Pushes use the real git client.
type Harness struct {
	t          *testing.T
	cfg        *config.Config
	repo       *git.Repository
	ctrl       *composesyncd.Controller
	server     *httptest.Server
	reports    chan composesyncd.Report
	composeLog string
	work       string
}

// NewHarness starts the daemon components and clones the served repository.
func NewHarness(t *testing.T, settle time.Duration) *Harness {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	h := &Harness{
		t:          t,
		reports:    make(chan composesyncd.Report, 16),
		composeLog: filepath.Join(root, "compose.log"),
	}

	logger := slog.New(slog.NewTextHandler(&testWriter{t: t, prefix: "[daemon] "}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h.cfg = &config.Config{
		Repo:  config.RepoConfig{Name: "docker", Branch: "main"},
		Paths: config.PathsConfig{GitRoot: filepath.Join(root, "git"), DataDir: filepath.Join(root, "data"), Stacks: "stacks", Fragments: "fragments"},
		Sync:  config.SyncConfig{SettleDelay: settle},
	}

	h.repo = git.NewRepository(h.cfg.RepoDir(), "main", logger)
	if err := h.repo.Init(ctx); err != nil {
		t.Fatalf("init repository: %v", err)
	}

	script := filepath.Join(root, "compose")
	if err := os.WriteFile(script, []byte(fmt.Sprintf(composeScript, h.composeLog)), 0755); err != nil {
		t.Fatal(err)
	}
	compose, err := engine.NewComposeClient([]string{script}, filepath.Join(root, "tmp"), "", logger)
	if err != nil {
		t.Fatal(err)
	}

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var report composesyncd.Report
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &report); err != nil {
			t.Errorf("invalid report %q: %v", body, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.reports <- report
	}))
	t.Cleanup(receiver.Close)

	h.ctrl = composesyncd.NewController(h.cfg, composesyncd.Deps{
		Store:    h.repo,
		Engine:   compose,
		Notifier: notify.NewWebhook(receiver.URL),
		Logger:   logger,
	})
	t.Cleanup(h.ctrl.Wait)

	srv, err := gitserver.New(h.cfg.Paths.GitRoot, "docker", h.ctrl, logger)
	if err != nil {
		t.Fatal(err)
	}
	h.server = httptest.NewServer(httpserver.Wrap(logger, "git", srv))
	t.Cleanup(h.server.Close)

	parent := t.TempDir()
	testutil.Git(t, parent, "clone", h.RemoteURL(), "work")
	h.work = filepath.Join(parent, "work")
	testutil.Git(t, h.work, "config", "user.email", "test@test.com")
	testutil.Git(t, h.work, "config", "user.name", "Test")

	return h
}

// RemoteURL is the clone URL of the served repository
func (h *Harness) RemoteURL() string {
	return h.server.URL + "/docker.git"
}

// Commit writes files into the clone and commits them
func (h *Harness) Commit(files map[string]string, msg string) string {
	h.t.Helper()
	return testutil.CommitFiles(h.t, h.work, files, msg)
}

// Push pushes refspec to the served repository and returns the client output
func (h *Harness) Push(refspec string) (string, error) {
	h.t.Helper()
	return testutil.TryGit(h.work, "push", "origin", refspec)
}

// MustPush pushes main and fails the test when the push is rejected
func (h *Harness) MustPush() {
	h.t.Helper()
	if out, err := h.Push("main"); err != nil {
		h.t.Fatalf("push failed: %v\n%s", err, out)
	}
}

// Reset moves the clone to the served branch tip, dropping local commits
func (h *Harness) Reset() {
	h.t.Helper()
	testutil.Git(h.t, h.work, "fetch", "origin")
	testutil.Git(h.t, h.work, "reset", "--hard", "origin/main")
}

// Head returns the branch tip of the served repository
func (h *Harness) Head() string {
	h.t.Helper()
	head, err := h.repo.Head(context.Background())
	if err != nil {
		h.t.Fatal(err)
	}
	return head
}

// WaitReport returns the next delivered report
func (h *Harness) WaitReport() composesyncd.Report {
	h.t.Helper()
	select {
	case r := <-h.reports:
		return r
	case <-time.After(defaultTimeout):
		h.t.Fatal("timed out waiting for report")
		return composesyncd.Report{}
	}
}

// ComposeCalls returns the logged compose invocations and clears the log
func (h *Harness) ComposeCalls() []ComposeCall {
	h.t.Helper()
	data, err := os.ReadFile(h.composeLog)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		h.t.Fatal(err)
	}
	if err := os.Remove(h.composeLog); err != nil {
		h.t.Fatal(err)
	}

	var calls []ComposeCall
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			calls = append(calls, ComposeCall{Args: strings.Fields(line)})
		}
	}
	return calls
}

// MirrorFile reads a file from the hydrated stack mirror
func (h *Harness) MirrorFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.cfg.MirrorDir(), filepath.FromSlash(rel)))
	return string(data), err
}

// ComposeCall is one logged compose invocation
type ComposeCall struct {
	Args []string
}

// Project returns the -p argument
func (c ComposeCall) Project() string {
	for i, a := range c.Args {
		if a == "-p" && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	return ""
}

// ContainsArg checks if the call contains a specific argument anywhere
func (c ComposeCall) ContainsArg(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// testWriter wraps test logging for daemon output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
