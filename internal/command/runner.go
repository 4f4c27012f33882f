// Package command runs the external media tools the pipeline depends on.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external programs.
type Runner interface {
	// Run executes name with args and returns captured stdout and stderr.
	// A non-zero exit is reported as *ExitError.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

	// Available reports whether name can be found on the host.
	Available(name string) bool
}

// ExitError is returned when a program exits unsuccessfully.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.Code, msg)
}

// Exec runs programs with os/exec.
type Exec struct{}

// Run implements Runner.
func (Exec) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), &ExitError{
				Name:   name,
				Code:   exitErr.ExitCode(),
				Stderr: stderr.String(),
			}
		}
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("run %s: %w", name, err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// Available implements Runner.
func (Exec) Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
