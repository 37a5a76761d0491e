package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Strict commands start this binary again with confineArg as argv[1]. Init
// applies the confinement found in confineEnv and execs the real command.
const (
	confineArg  = "__toolexec_confine"
	confineEnv  = "TOOLEXEC_SANDBOX_CONFINE"
	confineExit = 125
	// confineMarker prefixes the helper's stderr when confinement fails.
	confineMarker = "toolexec-sandbox: confinement failed: "
)

// systemDirs stay readable and executable under the Strict filesystem rules.
var systemDirs = []string{"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64", "/etc"}

// deviceFiles stay writable under the Strict filesystem rules.
var deviceFiles = []string{"/dev/null", "/dev/zero", "/dev/urandom", "/dev/random"}

// confinement is the kernel-enforced part of a Strict policy. It applies
// after the argv checks in checkCommand have passed.
type confinement struct {
	// Blocked syscalls kill the process with SIGSYS.
	Blocked []string `json:"blocked,omitempty"`
	// DenyNetwork fails socket(2) with EPERM.
	DenyNetwork bool `json:"deny_network,omitempty"`
	// RestrictPaths limits the filesystem to ReadOnly and ReadWrite.
	RestrictPaths bool     `json:"restrict_paths,omitempty"`
	ReadOnly      []string `json:"read_only,omitempty"`
	ReadWrite     []string `json:"read_write,omitempty"`
}

// newConfinement derives the kernel rules for a Strict sandbox whose private
// directory is dir.
func newConfinement(p SecurityPolicy, dir string) confinement {
	c := confinement{
		Blocked:     blockedSyscalls(p),
		DenyNetwork: !p.AllowNetwork,
	}
	if p.AllowFilesystem && len(p.AllowedPaths) == 0 {
		return c
	}
	c.RestrictPaths = true
	c.ReadOnly = append(c.ReadOnly, systemDirs...)
	c.ReadWrite = append(c.ReadWrite, dir)
	if p.AllowFilesystem {
		c.ReadWrite = append(c.ReadWrite, p.AllowedPaths...)
	}
	return c
}

// helperCommand wraps argv so it runs under c. The returned environment
// entry carries the rules to the helper.
func (c confinement) helperCommand(argv []string) (string, []string, string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", nil, "", fmt.Errorf("%w: locating the confinement helper: %w", ErrSecurityViolation, err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", nil, "", fmt.Errorf("encoding confinement: %w", err)
	}
	args := make([]string, 0, 1+len(argv))
	args = append(args, confineArg)
	args = append(args, argv...)
	return self, args, confineEnv + "=" + string(data), nil
}

// Init turns the process into the Strict confinement helper when it was
// started as one, and returns immediately otherwise. Binaries that run
// Strict sandboxes must call it first thing in main, and test binaries in
// TestMain.
func Init() {
	if len(os.Args) < 3 || os.Args[1] != confineArg {
		return
	}
	raw := os.Getenv(confineEnv)
	_ = os.Unsetenv(confineEnv)
	if raw == "" {
		confineFail(fmt.Errorf("%s is not set", confineEnv))
	}
	var c confinement
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		confineFail(fmt.Errorf("decoding rules: %w", err))
	}
	if err := c.apply(); err != nil {
		confineFail(err)
	}
	argv := os.Args[2:]
	if err := syscall.Exec(argv[0], argv, os.Environ()); err != nil {
		confineFail(fmt.Errorf("exec %s: %w", argv[0], err))
	}
}

func confineFail(err error) {
	fmt.Fprintln(os.Stderr, confineMarker+err.Error())
	os.Exit(confineExit)
}

// confineFailed reports whether a Strict command died in the helper before
// its program started.
func confineFailed(exitCode int, stderr string) (string, bool) {
	if exitCode != confineExit {
		return "", false
	}
	_, reason, ok := strings.Cut(stderr, confineMarker)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(reason), true
}

// existing drops paths that are not present on this host.
func existing(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(filepath.Clean(p)); err == nil {
			out = append(out, p)
		}
	}
	return out
}
