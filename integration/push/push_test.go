//go:build integration

package push

import (
	"strings"
	"testing"
	"time"
)

const redisStack = `#!fragments/logging.yaml
services:
  redis:
    image: redis:7
    logging: *logging
`

const loggingFragment = `x-logging: &logging
  driver: json-file
`

func TestPush(t *testing.T) {
	h := NewHarness(t, 50*time.Millisecond)

	t.Run("A_StackAdded", func(t *testing.T) {
		tip := h.Commit(map[string]string{
			"stacks/redis/docker-compose.yaml": redisStack,
			"fragments/logging.yaml":           loggingFragment,
		}, "add redis")
		h.MustPush()

		r := h.WaitReport()
		if r.Msg != "Synthesis succeeded for 1 stack(s)" {
			t.Fatalf("unexpected report %+v", r)
		}
		if len(r.Changes) != 1 || r.Changes[0].Path != "stacks/redis/docker-compose.yaml" {
			t.Errorf("unexpected changes %+v", r.Changes)
		}
		if h.Head() != tip {
			t.Errorf("head %s, want %s", h.Head(), tip)
		}

		calls := h.ComposeCalls()
		var steps []string
		for _, c := range calls {
			if c.Project() != "redis" {
				t.Errorf("unexpected project in %v", c.Args)
			}
			for _, s := range []string{"down", "pull", "up"} {
				if c.ContainsArg(s) {
					steps = append(steps, s)
				}
			}
		}
		if strings.Join(steps, ",") != "down,pull,up" {
			t.Errorf("unexpected compose steps %v", steps)
		}

		mirrored, err := h.MirrorFile("redis/docker-compose.yaml")
		if err != nil {
			t.Fatalf("mirror not written: %v", err)
		}
		if !strings.Contains(mirrored, "x-logging: &logging") {
			t.Errorf("mirror is not hydrated:\n%s", mirrored)
		}
	})

	t.Run("B_FragmentChangeReappliesStack", func(t *testing.T) {
		h.Commit(map[string]string{"fragments/logging.yaml": loggingFragment + "  options:\n    max-size: 10m\n"}, "rotate logs")
		h.MustPush()

		r := h.WaitReport()
		if r.Msg != "Synthesis succeeded for 1 stack(s)" {
			t.Fatalf("unexpected report %+v", r)
		}
		if !strings.Contains(r.Changes[0].Reason, "fragments/logging.yaml") {
			t.Errorf("unexpected reason %q", r.Changes[0].Reason)
		}
		h.ComposeCalls()
	})

	t.Run("C_NoOp", func(t *testing.T) {
		h.Commit(map[string]string{"docs/notes.md": "hello"}, "docs")
		h.MustPush()

		r := h.WaitReport()
		if r.Msg != "Change did not contain any stack changes, synthesis is a no-op" {
			t.Errorf("unexpected report %+v", r)
		}
		if calls := h.ComposeCalls(); len(calls) != 0 {
			t.Errorf("no-op push ran compose: %v", calls)
		}
	})

	t.Run("D_BrokenStackIsReverted", func(t *testing.T) {
		before := h.Head()
		h.Commit(map[string]string{"stacks/web/docker-compose.yaml": "services:\n  web:\n    image: broken\n"}, "add web")
		h.MustPush()

		r := h.WaitReport()
		if r.FailedStack != "stacks/web/docker-compose.yaml" {
			t.Fatalf("unexpected report %+v", r)
		}
		if !strings.Contains(r.Output, "pull access denied") {
			t.Errorf("engine output missing from report: %q", r.Output)
		}
		if r.RevertedCommit == nil || r.RevertedCommit.Message != "add web" {
			t.Errorf("unexpected reverted commit %+v", r.RevertedCommit)
		}

		h.ctrl.Wait()
		if h.Head() != before {
			t.Errorf("branch not reverted: %s, want %s", h.Head(), before)
		}
		h.ComposeCalls()
		h.Reset()
	})

	t.Run("E_WrongBranchRejected", func(t *testing.T) {
		before := h.Head()
		h.Commit(map[string]string{"x.txt": "x"}, "feature")
		out, err := h.Push("main:feature")
		if err == nil {
			t.Fatalf("expected push to feature branch to fail:\n%s", out)
		}
		if !strings.Contains(out, "403") {
			t.Errorf("expected 403 in output:\n%s", out)
		}
		if h.Head() != before {
			t.Error("rejected push moved the branch")
		}
		h.Reset()
	})
}

func TestPushRejectedWhileSettling(t *testing.T) {
	h := NewHarness(t, 2*time.Second)

	h.Commit(map[string]string{"stacks/redis/docker-compose.yaml": "services:\n  redis:\n    image: redis\n"}, "add redis")
	h.MustPush()

	h.Commit(map[string]string{"stacks/redis/docker-compose.yaml": "services:\n  redis:\n    image: redis:7\n"}, "pin redis")
	out, err := h.Push("main")
	if err == nil {
		t.Fatalf("expected second push to be rejected:\n%s", out)
	}
	if !strings.Contains(out, "409") {
		t.Errorf("expected 409 in output:\n%s", out)
	}

	if r := h.WaitReport(); r.Msg != "Synthesis succeeded for 1 stack(s)" {
		t.Errorf("unexpected report %+v", r)
	}

	h.ctrl.Wait()
	h.MustPush()
	if r := h.WaitReport(); r.Msg != "Synthesis succeeded for 1 stack(s)" {
		t.Errorf("unexpected report after retry %+v", r)
	}
}
