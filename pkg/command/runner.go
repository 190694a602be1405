package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

// Spec describes a single subprocess invocation.
type Spec struct {
	Argv    []string
	Dir     string
	Env     []string // extra KEY=VALUE pairs appended to the inherited environment
	Timeout time.Duration
}

// Result holds the outcome of a finished subprocess. A Result is always
// produced: launch failures and timeouts are reported with ExitCode -1 and a
// synthetic stderr message instead of an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output concatenates stdout and stderr for log capture.
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes subprocesses with timeout enforcement and process-tree
// termination. The platform capabilities are resolved once at construction.
type Runner struct {
	platform Platform
	logger   zerolog.Logger
}

func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{platform: DetectPlatform(), logger: logger}
}

// Run executes the command synchronously and blocks until it finishes or the
// timeout elapses. Build tools spawn nested daemon processes, so a timed-out
// command has its whole process tree killed, not just the direct child.
func (r *Runner) Run(ctx context.Context, spec Spec) Result {
	if len(spec.Argv) == 0 {
		return Result{ExitCode: -1, Stderr: "empty command"}
	}

	rendered := shellescape.QuoteCommand(spec.Argv)
	r.logger.Debug().Str("command", rendered).Str("dir", spec.Dir).Msg("running command")

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	r.platform.PrepareProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		r.logger.Warn().Str("command", rendered).Err(err).Msg("command launch failed")
		return Result{ExitCode: -1, Stderr: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		code := 0
		if err != nil {
			code = exitCode(err)
			r.logger.Warn().Str("command", rendered).Int("exit_code", code).Msg("command failed")
		}
		return Result{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}

	case <-timeout:
		r.platform.KillProcessTree(cmd.Process.Pid)
		<-done
		r.logger.Error().Str("command", rendered).Dur("timeout", spec.Timeout).Msg("command timed out")
		return Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("command timed out after %s", spec.Timeout),
		}

	case <-ctx.Done():
		r.platform.KillProcessTree(cmd.Process.Pid)
		<-done
		return Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("command interrupted: %v", ctx.Err()),
		}
	}
}

// Handle tracks a fire-and-forget process started with Start.
type Handle struct {
	cmd      *exec.Cmd
	platform Platform
	Stdout   *bytes.Buffer
	Stderr   *bytes.Buffer
}

// PID returns the OS process id of the running child.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() int {
	if err := h.cmd.Wait(); err != nil {
		return exitCode(err)
	}
	return 0
}

// Kill terminates the process and all of its descendants.
func (h *Handle) Kill() error {
	return h.platform.KillProcessTree(h.cmd.Process.Pid)
}

// Start launches a long-running command without waiting for it. Callers own
// the returned Handle and must eventually Wait or Kill it.
func (r *Runner) Start(spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	r.platform.PrepareProcessGroup(cmd)

	h := &Handle{cmd: cmd, platform: r.platform, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	cmd.Stdout = h.Stdout
	cmd.Stderr = h.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	r.logger.Debug().Str("command", shellescape.QuoteCommand(spec.Argv)).Int("pid", cmd.Process.Pid).Msg("started async command")
	return h, nil
}

// KillProcessTree terminates pid and all of its descendants.
func (r *Runner) KillProcessTree(pid int) error {
	return r.platform.KillProcessTree(pid)
}

// CommandExists reports whether name resolves on PATH. All errors are
// swallowed; this is a best-effort probe.
func (r *Runner) CommandExists(name string) bool {
	res := r.Run(context.Background(), Spec{
		Argv:    append(r.platform.LookupCommand(), name),
		Timeout: 5 * time.Second,
	})
	return res.ExitCode == 0
}

// Version runs `name flag` and returns the trimmed stdout, or empty when the
// probe fails for any reason.
func (r *Runner) Version(name, flag string) string {
	res := r.Run(context.Background(), Spec{
		Argv:    []string{name, flag},
		Timeout: 10 * time.Second,
	})
	if res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
