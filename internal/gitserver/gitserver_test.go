package gitserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/sideband"
	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/composesyncd/internal/git"
	composesyncd "github.com/schaermu/composesyncd/internal/sync"
	"github.com/schaermu/composesyncd/internal/testutil"
)

// fakeGate records pushes and answers with err.
type fakeGate struct {
	mu     sync.Mutex
	err    error
	pushes []composesyncd.Push
}

func (f *fakeGate) HandlePush(_ context.Context, push composesyncd.Push) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push)
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func encodeCommands(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := pktline.NewEncoder(&buf)
	for _, l := range lines {
		if err := enc.EncodeString(l); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.Flush(); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("PACK-data-follows")
	return buf.Bytes()
}

func TestDecodeUpdates(t *testing.T) {
	oldSHA := strings.Repeat("a", 40)
	newSHA := strings.Repeat("b", 40)

	body := encodeCommands(t,
		"shallow "+strings.Repeat("c", 40)+"\n",
		oldSHA+" "+newSHA+" refs/heads/main\x00report-status side-band-64k agent=git/2.43\n",
		oldSHA+" "+newSHA+" refs/tags/v1\n",
	)

	got, err := DecodeUpdates(body)
	if err != nil {
		t.Fatalf("DecodeUpdates: %v", err)
	}

	want := []composesyncd.RefUpdate{
		{Old: oldSHA, New: newSHA, Ref: "refs/heads/main"},
		{Old: oldSHA, New: newSHA, Ref: "refs/tags/v1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeUpdates mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRequest_Capabilities(t *testing.T) {
	sha := strings.Repeat("a", 40)
	body := encodeCommands(t,
		"shallow "+strings.Repeat("c", 40)+"\n",
		sha+" "+sha+" refs/heads/main\x00report-status side-band-64k quiet\n",
		sha+" "+sha+" refs/heads/other\n",
	)

	req, err := decodeRequest(body)
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if diff := cmp.Diff([]string{"report-status", "side-band-64k", "quiet"}, req.capabilities); diff != "" {
		t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
	}
	if len(req.updates) != 2 {
		t.Errorf("expected 2 updates, got %d", len(req.updates))
	}
}

func TestDecodeUpdates_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"garbage command", encodeCommands(t, "garbage\n")},
		{"too many fields", encodeCommands(t, "a b c d\n")},
		{"invalid pkt length", []byte("zzzzhello")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeUpdates(tt.body); !errors.Is(err, errMalformedPush) {
				t.Errorf("expected errMalformedPush, got %v", err)
			}
		})
	}

	got, err := DecodeUpdates(nil)
	if err != nil || len(got) != 0 {
		t.Errorf("expected no updates for empty body, got %v, %v", got, err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{composesyncd.ErrWrongBranch, http.StatusForbidden},
		{composesyncd.ErrBranchDeletion, http.StatusForbidden},
		{composesyncd.ErrSynthesisInProgress, http.StatusConflict},
		{errMalformedPush, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestServeHTTP_GateRejectsWithoutBackend(t *testing.T) {
	gate := &fakeGate{err: composesyncd.ErrSynthesisInProgress}
	srv, err := New(t.TempDir(), "docker", gate, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	body := encodeCommands(t, strings.Repeat("a", 40)+" "+strings.Repeat("b", 40)+" refs/heads/main\x00report-status\n")
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write(body)
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/docker.git/git-receive-pack", &gz)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "synthesis in progress") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if len(gate.pushes) != 1 || gate.pushes[0].Updates[0].Ref != "refs/heads/main" {
		t.Errorf("gate did not see decoded gzip push: %+v", gate.pushes)
	}
}

func TestServeHTTP_UnknownRepository(t *testing.T) {
	srv, err := New(t.TempDir(), "docker", &fakeGate{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"/other.git/info/refs", "/", "/docker.gitx/info/refs"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", p, rec.Code)
		}
	}
}

func TestWithProgress(t *testing.T) {
	const resultType = "application/x-git-receive-pack-result"

	tests := []struct {
		name        string
		caps        []string
		status      int
		contentType string
		wantPrefix  bool
	}{
		{"side-band-64k", []string{"report-status", "side-band-64k"}, http.StatusOK, resultType, true},
		{"side-band", []string{"side-band"}, http.StatusOK, resultType, true},
		{"no sideband", []string{"report-status"}, http.StatusOK, resultType, false},
		{"quiet", []string{"side-band-64k", "quiet"}, http.StatusOK, resultType, false},
		{"backend error", []string{"side-band-64k"}, http.StatusInternalServerError, resultType, false},
		{"other content", []string{"side-band-64k"}, http.StatusOK, "text/plain", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			w := withProgress(rec, &receiveRequest{capabilities: tt.caps}, []string{"hello", "world"})

			w.Header().Set("Content-Type", tt.contentType)
			w.WriteHeader(tt.status)
			if _, err := w.Write([]byte("0000")); err != nil {
				t.Fatal(err)
			}

			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
			if !tt.wantPrefix {
				if rec.Body.String() != "0000" {
					t.Errorf("expected untouched body, got %q", rec.Body.String())
				}
				return
			}

			var progress []string
			scanner := pktline.NewScanner(rec.Body)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					break
				}
				if sideband.Channel(line[0]) != sideband.ProgressMessage {
					t.Fatalf("unexpected channel %d", line[0])
				}
				progress = append(progress, string(line[1:]))
			}
			if diff := cmp.Diff([]string{"hello\n", "world\n"}, progress); diff != "" {
				t.Errorf("progress mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// newServedRepo creates a bare repository served over HTTP and a clone of it.
func newServedRepo(t *testing.T, gate Gate) (*git.Repository, string) {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	repo := git.NewRepository(filepath.Join(root, "docker.git"), "main", testLogger())
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	srv, err := New(root, "docker", gate, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	parent := t.TempDir()
	testutil.Git(t, parent, "clone", ts.URL+"/docker.git", "clone")
	clone := filepath.Join(parent, "clone")
	testutil.Git(t, clone, "config", "user.email", "test@test.com")
	testutil.Git(t, clone, "config", "user.name", "Test")
	return repo, clone
}

func TestPushThroughBackend(t *testing.T) {
	gate := &fakeGate{}
	repo, clone := newServedRepo(t, gate)
	ctx := context.Background()

	before, err := repo.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	tip := testutil.CommitFiles(t, clone, map[string]string{
		"stacks/redis/docker-compose.yaml": "services:\n  redis:\n    image: redis\n",
	}, "add redis")
	out := testutil.Git(t, clone, "push", "origin", "main")
	if !strings.Contains(out, "remote: Thanks for pushing!") {
		t.Errorf("expected accept message in push output, got %s", out)
	}

	head, err := repo.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != tip {
		t.Errorf("expected pushed head %s, got %s", tip, head)
	}

	want := []composesyncd.RefUpdate{{Old: before, New: tip, Ref: "refs/heads/main"}}
	if len(gate.pushes) != 1 {
		t.Fatalf("expected one gated push, got %d", len(gate.pushes))
	}
	if diff := cmp.Diff(want, gate.pushes[0].Updates); diff != "" {
		t.Errorf("gated updates mismatch (-want +got):\n%s", diff)
	}
}

func TestPushRejectedByGate(t *testing.T) {
	gate := &fakeGate{err: composesyncd.ErrWrongBranch}
	repo, clone := newServedRepo(t, gate)
	ctx := context.Background()

	before, err := repo.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	testutil.CommitFiles(t, clone, map[string]string{"a.txt": "a"}, "feature work")
	out, err := testutil.TryGit(clone, "push", "origin", "main:feature")
	if err == nil {
		t.Fatalf("expected push to fail, output: %s", out)
	}
	if !strings.Contains(out, "403") {
		t.Errorf("expected HTTP 403 in client output, got %s", out)
	}
	if strings.Contains(out, "Thanks for pushing") {
		t.Errorf("rejected push must not see the accept message: %s", out)
	}

	head, err := repo.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != before {
		t.Errorf("rejected push changed the repository: %s != %s", head, before)
	}
}

func TestFetchIsNotGated(t *testing.T) {
	gate := &fakeGate{err: errors.New("must not be called")}
	_, clone := newServedRepo(t, gate)

	testutil.Git(t, clone, "fetch", "origin")
	if len(gate.pushes) != 0 {
		t.Errorf("fetch reached the gate: %+v", gate.pushes)
	}

	readme, err := os.ReadFile(filepath.Join(clone, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(readme, []byte("# docker")) {
		t.Errorf("unexpected README %q", readme)
	}
}
