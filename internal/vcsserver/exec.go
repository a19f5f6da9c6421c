package vcsserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// ExecError is a failed native command.
type ExecError struct {
	Bin      string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if len(stderr) > 2048 {
		stderr = stderr[:2048] + "..."
	}
	return fmt.Sprintf("%s %s: exit %d: %s", e.Bin, strings.Join(e.Args, " "), e.ExitCode, stderr)
}

// runner executes one native binary.
type runner struct {
	bin string
	env []string
}

type runOpts struct {
	dir   string
	stdin io.Reader
	env   []string
}

func (r runner) run(ctx context.Context, opts runOpts, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = opts.dir
	cmd.Env = append(append(os.Environ(), r.env...), opts.env...)
	if opts.stdin != nil {
		cmd.Stdin = opts.stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExecError{Bin: r.bin, Args: args, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("run %s: %w", r.bin, err)
	}
	return stdout.Bytes(), nil
}

// output runs the command and returns trimmed stdout.
func (r runner) output(ctx context.Context, opts runOpts, args ...string) (string, error) {
	out, err := r.run(ctx, opts, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func stderrContains(err error, needles ...string) bool {
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		return false
	}
	s := strings.ToLower(execErr.Stderr)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func exitCode(err error) int {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.ExitCode
	}
	return -1
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
