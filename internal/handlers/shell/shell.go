// Package shell is a reference agent handler that executes local commands,
// wired to the "run" method of the shell agent type. A failed command
// surfaces its exit code and captured output through the returned error, so
// both end up in the task's error message.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type Shell struct{}

// Cmd is the run payload. Timeout, in seconds, bounds the command's run time
// on top of whatever deadline the worker already carries.
type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
	Timeout int      `json:"timeout,omitempty"`
}

// maxOutput caps how much captured output is carried into error_message.
const maxOutput = 1024

func (h Shell) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("invalid run payload: %w", err)
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.Timeout)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", c.Command, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited %d: %s", c.Command, exitErr.ExitCode(), clip(out))
	}
	return fmt.Errorf("run %s: %w", c.Command, err)
}

func clip(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutput {
		s = s[:maxOutput] + "..."
	}
	return s
}
