package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Engine applies a hydrated compose descriptor as a project.
type Engine interface {
	Apply(ctx context.Context, descriptor, name string) (string, error)
}

// StepError reports a failed lifecycle step. Output is the verbatim combined
// output of the compose command.
type StepError struct {
	Stack  string
	Step   string
	Output string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("compose %s failed for stack %s: %v", e.Step, e.Stack, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ComposeClient drives the compose CLI. Each apply tears the project down,
// pulls its images and starts it again, so applies are idempotent.
type ComposeClient struct {
	command    []string
	tmpDir     string
	dockerHost string
	logger     *slog.Logger
}

// NewComposeClient creates a client running command (for example
// ["docker", "compose"]) with descriptors written below tmpDir.
func NewComposeClient(command []string, tmpDir, dockerHost string, logger *slog.Logger) (*ComposeClient, error) {
	if len(command) == 0 {
		return nil, errors.New("compose command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ComposeClient{
		command:    command,
		tmpDir:     tmpDir,
		dockerHost: dockerHost,
		logger:     logger.With("component", "engine"),
	}, nil
}

// Apply writes descriptor to a transient file and runs down, pull and up for
// project name. The first failing step aborts the apply with a *StepError.
// On success the output of all steps is returned.
func (c *ComposeClient) Apply(ctx context.Context, descriptor, name string) (string, error) {
	if err := os.MkdirAll(c.tmpDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	file := filepath.Join(c.tmpDir, uuid.NewString()+".yaml")
	if err := os.WriteFile(file, []byte(descriptor), 0600); err != nil {
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}

	steps := []struct {
		name string
		args []string
	}{
		{"down", []string{"down", "--remove-orphans"}},
		{"pull", []string{"pull"}},
		{"up", []string{"up", "-d", "--remove-orphans"}},
	}

	var output strings.Builder
	for _, step := range steps {
		c.logger.Debug("running compose step", "stack", name, "step", step.name, "file", file)

		out, err := c.run(ctx, name, file, step.args...)
		output.WriteString(out)
		if err != nil {
			c.logger.Error("compose step failed", "stack", name, "step", step.name, "error", err)
			return output.String(), &StepError{Stack: name, Step: step.name, Output: out, Err: err}
		}
	}

	c.logger.Info("applied stack", "stack", name)
	return output.String(), nil
}

func (c *ComposeClient) run(ctx context.Context, project, file string, args ...string) (string, error) {
	argv := append(append([]string{}, c.command[1:]...), "-p", project, "-f", file)
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, c.command[0], argv...)
	if c.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+c.dockerHost)
	}

	out, err := cmd.CombinedOutput()
	return string(out), err
}
