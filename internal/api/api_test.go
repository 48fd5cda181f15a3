package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schaermu/composesyncd/internal/engine"
	"github.com/schaermu/composesyncd/internal/stack"
	composesyncd "github.com/schaermu/composesyncd/internal/sync"
)

type fakeStacks struct {
	stacks    map[string]string
	fragments []composesyncd.FragmentInfo
	applyOut  string
	applyErr  error
	applied   []string
}

func (f *fakeStacks) Descriptor(_ context.Context, name string) (*stack.Descriptor, error) {
	content, ok := f.stacks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", composesyncd.ErrUnknownStack, name)
	}
	return &stack.Descriptor{Name: name, Hydrated: content}, nil
}

func (f *fakeStacks) ApplyStack(_ context.Context, name string) (string, error) {
	if _, ok := f.stacks[name]; !ok {
		return "", fmt.Errorf("%w: %s", composesyncd.ErrUnknownStack, name)
	}
	f.applied = append(f.applied, name)
	return f.applyOut, f.applyErr
}

func (f *fakeStacks) Fragments(_ context.Context) ([]composesyncd.FragmentInfo, error) {
	if f.fragments == nil {
		return nil, errors.New("repository is empty")
	}
	return f.fragments, nil
}

type fakeStatus struct {
	containers []engine.ContainerStatus
	err        error
}

func (f *fakeStatus) Status(_ context.Context, _ string) ([]engine.ContainerStatus, error) {
	return f.containers, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestDescriptor(t *testing.T) {
	s := NewServer(&fakeStacks{stacks: map[string]string{"redis": "services:\n  redis: {}\n"}}, Options{}, testLogger())

	rec := do(t, s, http.MethodGet, "/api/stacks/redis", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if rec.Body.String() != "services:\n  redis: {}\n" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/stacks/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Err != "Unknown stack nope" {
		t.Errorf("unexpected error %q", got.Err)
	}
}

func TestApply(t *testing.T) {
	stepErr := &engine.StepError{Stack: "redis", Step: "up", Output: "boom", Err: errors.New("exit status 1")}

	tests := []struct {
		name       string
		stack      string
		applyErr   error
		wantStatus int
		wantErr    string
	}{
		{"success", "redis", nil, http.StatusOK, ""},
		{"engine failure", "redis", stepErr, http.StatusBadRequest, stepErr.Error()},
		{"locked", "redis", composesyncd.ErrSynthesisInProgress, http.StatusConflict, "Synthesis in progress"},
		{"missing fragment", "redis", fmt.Errorf("failed to hydrate stack redis: %w", stack.ErrFragmentNotFound), http.StatusBadRequest, "failed to hydrate stack redis: fragment not found"},
		{"unknown stack", "nope", nil, http.StatusNotFound, "Unknown stack nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stacks := &fakeStacks{
				stacks:   map[string]string{"redis": "services: {}\n"},
				applyOut: "started",
				applyErr: tt.applyErr,
			}
			s := NewServer(stacks, Options{}, testLogger())

			rec := do(t, s, http.MethodPost, "/api/stacks/"+tt.stack, "", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}

			if tt.wantStatus == http.StatusOK {
				want := ApplyResponse{StackName: "redis", Msg: "Successfully updated stack redis", Output: "started"}
				if diff := cmp.Diff(want, decode[ApplyResponse](t, rec)); diff != "" {
					t.Errorf("response mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if got := decode[ErrorResponse](t, rec); got.Err != tt.wantErr {
				t.Errorf("err=%q, want %q", got.Err, tt.wantErr)
			}
		})
	}
}

func TestApply_EngineOutputReturned(t *testing.T) {
	stepErr := &engine.StepError{Stack: "redis", Step: "pull", Output: "pull access denied", Err: errors.New("exit status 1")}
	stacks := &fakeStacks{stacks: map[string]string{"redis": ""}, applyOut: "pull access denied", applyErr: stepErr}
	s := NewServer(stacks, Options{}, testLogger())

	rec := do(t, s, http.MethodPost, "/api/stacks/redis", "", nil)
	if got := decode[ErrorResponse](t, rec); got.Output != "pull access denied" {
		t.Errorf("output=%q, want engine output", got.Output)
	}
}

func TestApply_Signature(t *testing.T) {
	secret := []byte("test-secret")
	body := `{"reason":"manual"}`
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(body))
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name       string
		signature  string
		wantStatus int
	}{
		{"valid signature", valid, http.StatusOK},
		{"missing signature", "", http.StatusForbidden},
		{"wrong prefix", "sha1=" + strings.TrimPrefix(valid, "sha256="), http.StatusForbidden},
		{"wrong signature", "sha256=deadbeef", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stacks := &fakeStacks{stacks: map[string]string{"redis": ""}}
			s := NewServer(stacks, Options{Secret: secret}, testLogger())

			rec := do(t, s, http.MethodPost, "/api/stacks/redis", body, map[string]string{"X-Hub-Signature-256": tt.signature})
			if rec.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK && len(stacks.applied) != 0 {
				t.Errorf("unsigned request applied stacks: %v", stacks.applied)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	containers := []engine.ContainerStatus{{ID: "abc", Name: "redis-redis-1", Service: "redis", Image: "redis", State: "running", Status: "Up 2 minutes"}}
	stacks := &fakeStacks{stacks: map[string]string{"redis": ""}}

	s := NewServer(stacks, Options{Status: &fakeStatus{containers: containers}}, testLogger())
	rec := do(t, s, http.MethodGet, "/api/stacks/redis/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if diff := cmp.Diff(containers, decode[[]engine.ContainerStatus](t, rec)); diff != "" {
		t.Errorf("containers mismatch (-want +got):\n%s", diff)
	}

	rec = do(t, s, http.MethodGet, "/api/stacks/nope/status", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown stack status=%d, want 404", rec.Code)
	}

	s = NewServer(stacks, Options{Status: &fakeStatus{err: errors.New("daemon down")}}, testLogger())
	if rec := do(t, s, http.MethodGet, "/api/stacks/redis/status", "", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("docker failure status=%d, want 502", rec.Code)
	}

	s = NewServer(stacks, Options{}, testLogger())
	if rec := do(t, s, http.MethodGet, "/api/stacks/redis/status", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no docker status=%d, want 503", rec.Code)
	}
}

func TestFragments(t *testing.T) {
	fragments := []composesyncd.FragmentInfo{
		{Path: "fragments/logging.yaml", RequiredAnchors: []string{}, UsedBy: []string{"redis"}},
		{Path: "fragments/net.yaml", RequiredAnchors: []string{"net"}, UsedBy: []string{}},
	}

	s := NewServer(&fakeStacks{fragments: fragments}, Options{}, testLogger())
	rec := do(t, s, http.MethodGet, "/api/fragments", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if diff := cmp.Diff(fragments, decode[[]composesyncd.FragmentInfo](t, rec)); diff != "" {
		t.Errorf("fragments mismatch (-want +got):\n%s", diff)
	}

	s = NewServer(&fakeStacks{}, Options{}, testLogger())
	if rec := do(t, s, http.MethodGet, "/api/fragments", "", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("status=%d, want 500", rec.Code)
	}
}

func TestUnknownAPI(t *testing.T) {
	s := NewServer(&fakeStacks{}, Options{}, testLogger())

	for _, p := range []string{"/api/", "/api/other", "/api/stacks"} {
		rec := do(t, s, http.MethodGet, p, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status=%d, want 404", p, rec.Code)
			continue
		}
		if got := decode[ErrorResponse](t, rec); got.Err != "Unknown API" {
			t.Errorf("%s: err=%q", p, got.Err)
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	composesyncd.NewMetrics(reg)

	s := NewServer(&fakeStacks{}, Options{Gatherer: reg}, testLogger())
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	// Vectors without observations are not exported; the plain counters are.
	if !strings.Contains(rec.Body.String(), "composesyncd_drift_triggers_total") {
		t.Errorf("metrics output lacks drift counter:\n%s", rec.Body.String())
	}

	s = NewServer(&fakeStacks{}, Options{}, testLogger())
	if rec := do(t, s, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without gatherer status=%d, want 404", rec.Code)
	}
}

func TestLoadSecret(t *testing.T) {
	dir := t.TempDir()

	secret, err := LoadSecret("")
	if err != nil || secret != nil {
		t.Errorf("LoadSecret(\"\") = %q, %v", secret, err)
	}

	p := filepath.Join(dir, "secret")
	if err := os.WriteFile(p, []byte("  s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	secret, err = LoadSecret(p)
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if string(secret) != "s3cret" {
		t.Errorf("secret=%q, want trimmed", secret)
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSecret(empty); err == nil {
		t.Error("expected error for empty secret file")
	}
	if _, err := LoadSecret(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing secret file")
	}
}
