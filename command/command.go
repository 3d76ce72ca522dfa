// Package command runs external system utilities (lvm, udevadm, mount)
// behind an interface so the callers can be exercised without root.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs external commands.
type Executor interface {
	// Run executes a command and waits for it to complete. A non-zero exit
	// status is returned as an error that carries the command's stderr.
	Run(ctx context.Context, name string, args ...string) error

	// Output runs a command and returns its standard output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealExecutor uses exec.CommandContext. It is the production Executor.
type RealExecutor struct{}

// Run executes name with args.
func (*RealExecutor) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return wrap(name, args, err, stderr.Bytes())
	}
	return nil
}

// Output executes name with args and returns what it printed on stdout.
func (*RealExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, wrap(name, args, err, stderr.Bytes())
	}
	return out, nil
}

func wrap(name string, args []string, err error, stderr []byte) error {
	line := strings.TrimSpace(strings.Join(append([]string{name}, args...), " "))
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return fmt.Errorf("%s: %w: %s", line, err, msg)
	}
	return fmt.Errorf("%s: %w", line, err)
}
