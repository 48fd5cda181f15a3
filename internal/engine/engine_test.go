package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/google/go-cmp/cmp"
)

// fakeCompose writes a script that logs its arguments and fails on the step
// named by failStep.
func fakeCompose(t *testing.T, failStep string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	logFile := filepath.Join(dir, "calls.log")
	script := filepath.Join(dir, "compose")

	content := `#!/bin/sh
echo "$@" >> "` + logFile + `"
for arg in "$@"; do
  case "$arg" in
    down|pull|up) step="$arg"; break ;;
  esac
done
echo "running $step"
if [ "$step" = "` + failStep + `" ]; then
  echo "service \"web\" refers to undefined network" >&2
  exit 1
fi
`
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	return script, logFile
}

func readCalls(t *testing.T, logFile string) []string {
	t.Helper()
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestComposeClient_Apply(t *testing.T) {
	script, logFile := fakeCompose(t, "")
	tmpDir := filepath.Join(t.TempDir(), "descriptors")

	c, err := NewComposeClient([]string{script, "--ansi", "never"}, tmpDir, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	out, err := c.Apply(context.Background(), "services:\n  redis:\n    image: redis\n", "redis")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "running down\nrunning pull\nrunning up\n" {
		t.Errorf("unexpected output %q", out)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".yaml") {
		t.Fatalf("expected one transient descriptor, got %v", entries)
	}
	file := filepath.Join(tmpDir, entries[0].Name())

	want := []string{
		"--ansi never -p redis -f " + file + " down --remove-orphans",
		"--ansi never -p redis -f " + file + " pull",
		"--ansi never -p redis -f " + file + " up -d --remove-orphans",
	}
	if diff := cmp.Diff(want, readCalls(t, logFile)); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "image: redis") {
		t.Errorf("descriptor not written, got %q", data)
	}
}

func TestComposeClient_ApplyFailsFast(t *testing.T) {
	script, logFile := fakeCompose(t, "pull")

	c, err := NewComposeClient([]string{script}, t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Apply(context.Background(), "services: {}\n", "web")

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if stepErr.Step != "pull" || stepErr.Stack != "web" {
		t.Errorf("unexpected step error %+v", stepErr)
	}
	if !strings.Contains(stepErr.Output, `service "web" refers to undefined network`) {
		t.Errorf("expected verbatim tool output, got %q", stepErr.Output)
	}

	if calls := readCalls(t, logFile); len(calls) != 2 {
		t.Errorf("expected up to be skipped, got calls %v", calls)
	}
}

func TestNewComposeClient_EmptyCommand(t *testing.T) {
	if _, err := NewComposeClient(nil, t.TempDir(), "", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

type fakeDocker struct {
	pingErr    error
	containers []container.Summary
	lastOpts   container.ListOptions
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.lastOpts = opts
	return f.containers, nil
}

func (f *fakeDocker) Close() error { return nil }

func TestDockerAPI_Status(t *testing.T) {
	fake := &fakeDocker{
		containers: []container.Summary{
			{
				ID:     "b2",
				Names:  []string{"/redis-replica-1"},
				Image:  "redis:7",
				State:  "exited",
				Status: "Exited (1) 2 minutes ago",
				Labels: map[string]string{"com.docker.compose.service": "replica"},
			},
			{
				ID:     "a1",
				Names:  []string{"/redis-redis-1"},
				Image:  "redis:7",
				State:  "running",
				Status: "Up 5 minutes",
				Labels: map[string]string{"com.docker.compose.service": "redis"},
			},
		},
	}
	api := &DockerAPI{cli: fake}

	got, err := api.Status(context.Background(), "redis")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	want := []ContainerStatus{
		{ID: "a1", Name: "redis-redis-1", Service: "redis", Image: "redis:7", State: "running", Status: "Up 5 minutes"},
		{ID: "b2", Name: "redis-replica-1", Service: "replica", Image: "redis:7", State: "exited", Status: "Exited (1) 2 minutes ago"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Status mismatch (-want +got):\n%s", diff)
	}

	if !fake.lastOpts.All || !fake.lastOpts.Filters.ExactMatch("label", "com.docker.compose.project=redis") {
		t.Errorf("unexpected list options %+v", fake.lastOpts)
	}
}

func TestDockerAPI_Ping(t *testing.T) {
	api := &DockerAPI{cli: &fakeDocker{pingErr: errors.New("connection refused")}}
	if err := api.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
}
