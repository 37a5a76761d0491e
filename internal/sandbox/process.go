package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// processRunner executes commands as OS processes for the None, Basic and
// Strict levels.
//
//   - Each instance has its own directory, used as HOME and working dir
//   - The process runs in its own process group, killed as a whole on cancel
//   - No environment inheritance from the host
//   - Basic and Strict enforce resource limits via ulimit
//   - Strict denies programs and paths outside the security policy, then
//     runs under a seccomp filter and Landlock rules (see Init)
type processRunner struct {
	logger *slog.Logger
}

func (r *processRunner) run(ctx context.Context, inst *instance, c Command, input []byte) (*Output, error) {
	level := inst.spec.Level
	policy := inst.spec.Policy

	if level == LevelStrict {
		if err := checkCommand(policy, inst.dir, c); err != nil {
			return nil, err
		}
	}

	var (
		cmd        *exec.Cmd
		confineVar string
		confined   = level == LevelStrict && confineSupported
	)
	if level == LevelNone {
		cmd = exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	} else {
		// sh -c 'ulimit ...; exec "$@"' _ cmd args...
		// The user's command is never interpolated into the shell string.
		argv := make([]string, 0, 4+len(c.Args))
		argv = append(argv, "/bin/sh", "-c", ulimitScript(inst.limits, level, policy), "_")
		argv = append(argv, c.Args...)
		if confined {
			// This binary applies seccomp and Landlock, then execs sh.
			helper, args, env, err := newConfinement(policy, inst.dir).helperCommand(argv)
			if err != nil {
				return nil, err
			}
			cmd = exec.CommandContext(ctx, helper, args...)
			confineVar = env
		} else {
			cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
		}
	}

	if c.WorkingDir != "" {
		cmd.Dir = c.WorkingDir
	} else {
		cmd.Dir = inst.dir
	}

	attr := &syscall.SysProcAttr{Setpgid: true}
	if level == LevelStrict && policy.UseNamespaces && !policy.AllowNetwork {
		attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1}}
	}
	cmd.SysProcAttr = attr

	// Kill the entire process group so children die with the command.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	cmd.Env = buildEnv(inst.dir, inst.spec.Env, c.Env)
	if confineVar != "" {
		cmd.Env = append(cmd.Env, confineVar)
	}
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: inst.limits.MaxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: inst.limits.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("sandbox executing",
		slog.String("sandbox_id", inst.id),
		slog.String("level", string(level)),
		slog.Any("command", c.Args),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", inst.limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", inst.limits.MaxCPUSeconds),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	out := &Output{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}
	out.Usage.WallTime = duration
	out.Usage.OutputBytes = stdout.written + stderr.written
	if cmd.ProcessState != nil {
		out.Usage.UserCPU = cmd.ProcessState.UserTime()
		out.Usage.SystemCPU = cmd.ProcessState.SystemTime()
		if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
			out.Usage.MaxRSSKB = int64(ru.Maxrss)
		}
	}

	if runErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("starting sandboxed command: %w", runErr)
	}
	out.ExitCode = exitErr.ExitCode()
	if confined {
		if reason, failed := confineFailed(out.ExitCode, out.Stderr); failed {
			r.logger.Error("sandbox confinement failed",
				slog.String("sandbox_id", inst.id),
				slog.String("reason", reason),
			)
			return out, fmt.Errorf("%w: confinement failed: %s", ErrSecurityViolation, reason)
		}
		// A shell reports a child killed by the filter as 128+SIGSYS.
		if out.ExitCode == 128+int(syscall.SIGSYS) {
			return out, fmt.Errorf("%w: blocked system call in a child process", ErrSecurityViolation)
		}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		out.ExitCode = 128 + int(ws.Signal())
		if err := signalError(ws.Signal()); err != nil {
			r.logger.Warn("sandboxed command killed",
				slog.String("sandbox_id", inst.id),
				slog.String("signal", ws.Signal().String()),
			)
			return out, err
		}
	}
	return out, nil
}

// release is a no-op: killing the process group is handled by cancellation.
func (r *processRunner) release(*instance) {}

// signalError classifies termination signals raised by the kernel on limit
// or filter hits.
func signalError(sig syscall.Signal) error {
	switch sig {
	case syscall.SIGXCPU:
		return fmt.Errorf("%w: cpu time limit reached", ErrResourceLimit)
	case syscall.SIGXFSZ:
		return fmt.Errorf("%w: file size limit reached", ErrResourceLimit)
	case syscall.SIGSYS:
		return fmt.Errorf("%w: blocked system call", ErrSecurityViolation)
	case syscall.SIGKILL:
		return fmt.Errorf("%w: process killed", ErrResourceLimit)
	}
	return nil
}

// ulimitScript builds the shell prologue that applies resource limits before
// exec'ing the command. Limit failures are ignored so unprivileged hosts
// still run with whatever limits they can apply.
func ulimitScript(l ResourceLimits, level Level, p SecurityPolicy) string {
	var b strings.Builder
	add := func(flag string, v int) {
		if v > 0 {
			fmt.Fprintf(&b, "ulimit -%s %d 2>/dev/null; ", flag, v)
		}
	}
	add("v", l.MaxMemoryMB*1024)
	add("t", l.MaxCPUSeconds)
	add("f", l.MaxFileSizeMB*1024)
	add("n", l.MaxOpenFiles)
	procs := l.MaxProcesses
	if procs == 0 && level == LevelStrict && !p.AllowProcessCreation {
		procs = 1
	}
	if procs > 0 {
		// dash spells the process limit -p, bash -u.
		fmt.Fprintf(&b, "{ ulimit -u %d || ulimit -p %d; } 2>/dev/null; ", procs, procs)
	}
	b.WriteString(`exec "$@"`)
	return b.String()
}

// buildEnv constructs a minimal environment. The host environment is never
// inherited so credentials cannot leak into sandboxed commands.
func buildEnv(dir string, layers ...map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+layer[k])
		}
	}
	return env
}

// limitedWriter stops writing after a byte limit. Excess data is discarded
// and reported as written so the child never sees EPIPE.
type limitedWriter struct {
	w         io.Writer
	remaining int
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		lw.truncated = lw.truncated || n > 0
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	w, err := lw.w.Write(p)
	lw.remaining -= w
	lw.written += int64(w)
	if err != nil {
		return w, err
	}
	return n, nil
}
