package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "jkaninda/toolexec-runtime:latest"

	seccompFile = "seccomp.json"
)

// DockerConfig configures the Container level.
type DockerConfig struct {
	Image     string  `json:"image" yaml:"image" toml:"image"`
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores"`    // --cpus rate limit.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"` // --pids-limit default.
	Binary    string  `json:"binary" yaml:"binary" toml:"binary"`             // Docker CLI path.
}

// dockerRunner executes commands inside ephemeral Docker containers.
//
//   - All capabilities dropped, then only the policy's capabilities added
//   - Blocked syscalls trapped by a generated seccomp profile
//   - Read-only root filesystem with tmpfs for writable dirs
//   - Non-root user, no new privileges
//   - Network disabled unless the policy allows it
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Container force-removed after every run and on Destroy
type dockerRunner struct {
	cfg    DockerConfig
	logger *slog.Logger
}

func newDockerRunner(cfg DockerConfig, logger *slog.Logger) *dockerRunner {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	return &dockerRunner{cfg: cfg, logger: logger}
}

func (r *dockerRunner) run(ctx context.Context, inst *instance, c Command, input []byte) (*Output, error) {
	name := "toolexec-" + strings.TrimPrefix(inst.id, "sbx-")

	inst.mu.Lock()
	inst.container = name
	inst.mu.Unlock()

	args := r.buildArgs(name, inst, c, len(input) > 0)
	args = append(args, c.Args...)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	// Killing the client is enough to stop waiting; release removes the container.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: inst.limits.MaxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: inst.limits.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	image := r.cfg.Image
	if inst.spec.Image != "" {
		image = inst.spec.Image
	}
	r.logger.Debug("docker sandbox executing",
		slog.String("sandbox_id", inst.id),
		slog.String("container", name),
		slog.String("image", image),
		slog.Any("command", c.Args),
		slog.Int("memory_mb", inst.limits.MaxMemoryMB),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	r.forceRemove(name)
	inst.mu.Lock()
	inst.container = ""
	inst.mu.Unlock()

	out := &Output{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}
	out.Usage.WallTime = duration
	out.Usage.OutputBytes = stdout.written + stderr.written

	if runErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("docker execution failed: %w", runErr)
	}
	out.ExitCode = exitErr.ExitCode()
	if err := containerExitError(out.ExitCode); err != nil {
		r.logger.Warn("container killed",
			slog.String("sandbox_id", inst.id),
			slog.String("container", name),
			slog.Int("exit_code", out.ExitCode),
		)
		return out, err
	}
	return out, nil
}

// containerExitError maps the container exit codes for fatal signals.
func containerExitError(code int) error {
	switch code {
	case 137: // SIGKILL, usually the OOM killer.
		return fmt.Errorf("%w: container killed (out of memory)", ErrResourceLimit)
	case 152: // SIGXCPU
		return fmt.Errorf("%w: cpu time limit reached", ErrResourceLimit)
	case 153: // SIGXFSZ
		return fmt.Errorf("%w: file size limit reached", ErrResourceLimit)
	case 159: // SIGSYS from the seccomp trap.
		return fmt.Errorf("%w: blocked system call", ErrSecurityViolation)
	}
	return nil
}

func (r *dockerRunner) release(inst *instance) {
	inst.mu.Lock()
	name := inst.container
	inst.mu.Unlock()
	if name != "" {
		r.forceRemove(name)
	}
}

// buildArgs constructs the docker run argument list. The command itself is
// not included.
func (r *dockerRunner) buildArgs(name string, inst *instance, c Command, interactive bool) []string {
	limits := inst.limits
	policy := inst.spec.Policy

	memoryFlag := strconv.Itoa(limits.MaxMemoryMB) + "m"
	pids := limits.MaxProcesses
	if pids <= 0 {
		pids = r.cfg.PIDsLimit
	}

	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--security-opt", "seccomp=" + filepath.Join(inst.dir, seccompFile),
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(r.cfg.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(pids),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,noexec,nosuid,size=64m",

		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}
	if interactive {
		args = append(args, "--interactive")
	}

	for _, cp := range policy.Capabilities {
		args = append(args, "--cap-add="+strings.TrimPrefix(strings.ToUpper(cp), "CAP_"))
	}
	if limits.MaxCPUSeconds > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", limits.MaxCPUSeconds, limits.MaxCPUSeconds))
	}
	if limits.MaxOpenFiles > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("nofile=%d:%d", limits.MaxOpenFiles, limits.MaxOpenFiles))
	}
	if limits.MaxFileSizeMB > 0 {
		size := int64(limits.MaxFileSizeMB) << 20
		args = append(args, "--ulimit", fmt.Sprintf("fsize=%d:%d", size, size))
	}

	if policy.AllowNetwork {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	if policy.AllowFilesystem {
		for _, p := range policy.AllowedPaths {
			args = append(args, "--volume", p+":"+p+":ro")
		}
	}

	for k, v := range inst.spec.Labels {
		args = append(args, "--label", "toolexec."+k+"="+v)
	}

	if c.WorkingDir != "" {
		args = append(args, "--workdir", c.WorkingDir)
	} else {
		args = append(args, "--workdir", "/home/sandbox")
	}

	for _, layer := range []map[string]string{inst.spec.Env, c.Env} {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "--env", k+"="+layer[k])
		}
	}

	image := r.cfg.Image
	if inst.spec.Image != "" {
		image = inst.spec.Image
	}
	return append(args, image)
}

// forceRemove removes a container by name. Errors are logged, not returned.
func (r *dockerRunner) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.cfg.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		r.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

type seccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []seccompRule `json:"syscalls"`
}

type seccompRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// buildSeccompProfile allows everything except the blocked syscalls, which
// trap with SIGSYS so violations are detectable from the exit code.
func buildSeccompProfile(p SecurityPolicy) seccompProfile {
	return seccompProfile{
		DefaultAction: "SCMP_ACT_ALLOW",
		Syscalls: []seccompRule{{
			Names:  blockedSyscalls(p),
			Action: "SCMP_ACT_TRAP",
		}},
	}
}

func writeSeccompProfile(dir string, p SecurityPolicy) error {
	data, err := json.MarshalIndent(buildSeccompProfile(p), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding seccomp profile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, seccompFile), data, 0o644); err != nil {
		return fmt.Errorf("writing seccomp profile: %w", err)
	}
	return nil
}
