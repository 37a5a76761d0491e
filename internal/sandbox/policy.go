package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultBlockedSyscalls are blocked at the Strict and Container levels when a
// policy does not name its own list.
var DefaultBlockedSyscalls = []string{
	"mount", "umount2", "reboot", "ptrace", "kexec_load",
	"init_module", "finit_module", "delete_module",
	"chroot", "pivot_root", "swapon", "swapoff", "setuid", "setgid",
}

// defaultDeniedPaths are always denied at the Strict level.
var defaultDeniedPaths = []string{
	"/etc/shadow", "/etc/gshadow", "/etc/sudoers", "/root",
	"/proc/kcore", "/proc/sysrq-trigger", "/sys", "/dev/mem", "/dev/kmem",
	"/var/run/docker.sock", "/run/docker.sock",
}

// syscallPrograms maps blocked syscalls to programs whose only purpose is to
// invoke them. The Strict level denies these programs before they start,
// ahead of the seccomp filter that kills them on the call itself.
var syscallPrograms = map[string][]string{
	"mount":         {"mount"},
	"umount2":       {"umount"},
	"reboot":        {"reboot", "shutdown", "halt", "poweroff"},
	"ptrace":        {"strace", "ltrace", "gdb"},
	"kexec_load":    {"kexec"},
	"init_module":   {"insmod", "modprobe"},
	"finit_module":  {"insmod", "modprobe"},
	"delete_module": {"rmmod", "modprobe"},
	"chroot":        {"chroot"},
	"pivot_root":    {"pivot_root", "switch_root"},
	"swapon":        {"swapon"},
	"swapoff":       {"swapoff"},
	"setuid":        {"sudo", "su", "doas", "pkexec"},
	"setgid":        {"sudo", "su", "doas", "newgrp", "sg"},
	"unshare":       {"unshare"},
	"setns":         {"nsenter"},
}

// networkPrograms are denied at the Strict level when network access is off.
var networkPrograms = []string{
	"curl", "wget", "nc", "ncat", "netcat", "ssh", "scp", "sftp",
	"telnet", "ftp", "socat", "rsync",
}

// linuxCapabilities is the set of valid capability names.
var linuxCapabilities = map[string]struct{}{}

func init() {
	for _, c := range []string{
		"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_DAC_READ_SEARCH", "CAP_FOWNER",
		"CAP_FSETID", "CAP_KILL", "CAP_SETGID", "CAP_SETUID", "CAP_SETPCAP",
		"CAP_LINUX_IMMUTABLE", "CAP_NET_BIND_SERVICE", "CAP_NET_BROADCAST",
		"CAP_NET_ADMIN", "CAP_NET_RAW", "CAP_IPC_LOCK", "CAP_IPC_OWNER",
		"CAP_SYS_MODULE", "CAP_SYS_RAWIO", "CAP_SYS_CHROOT", "CAP_SYS_PTRACE",
		"CAP_SYS_PACCT", "CAP_SYS_ADMIN", "CAP_SYS_BOOT", "CAP_SYS_NICE",
		"CAP_SYS_RESOURCE", "CAP_SYS_TIME", "CAP_SYS_TTY_CONFIG", "CAP_MKNOD",
		"CAP_LEASE", "CAP_AUDIT_WRITE", "CAP_AUDIT_CONTROL", "CAP_SETFCAP",
		"CAP_MAC_OVERRIDE", "CAP_MAC_ADMIN", "CAP_SYSLOG", "CAP_WAKE_ALARM",
		"CAP_BLOCK_SUSPEND", "CAP_AUDIT_READ",
	} {
		linuxCapabilities[c] = struct{}{}
	}
}

// ValidatePolicy rejects malformed policies before a sandbox is created.
func ValidatePolicy(p SecurityPolicy) error {
	for _, s := range p.BlockedSyscalls {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty syscall name in blocked list", ErrInvalidPolicy)
		}
	}
	for _, s := range p.AllowedSyscalls {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty syscall name in allow list", ErrInvalidPolicy)
		}
	}
	if err := checkSyscallNames(append(append([]string{}, p.BlockedSyscalls...), p.AllowedSyscalls...)); err != nil {
		return err
	}
	for _, c := range p.Capabilities {
		if !ValidCapability(c) {
			return fmt.Errorf("%w: invalid capability %q", ErrInvalidPolicy, c)
		}
	}
	for _, path := range append(append([]string{}, p.AllowedPaths...), p.DeniedPaths...) {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%w: path %q must be absolute", ErrInvalidPolicy, path)
		}
	}
	return nil
}

// ValidCapability reports whether name is a Linux capability. The CAP_ prefix
// is optional.
func ValidCapability(name string) bool {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "CAP_") {
		n = "CAP_" + n
	}
	_, ok := linuxCapabilities[n]
	return ok
}

// blockedSyscalls returns the effective blocked list for p. When an allow
// list is present, syscalls in it are never blocked.
func blockedSyscalls(p SecurityPolicy) []string {
	blocked := p.BlockedSyscalls
	if len(blocked) == 0 {
		blocked = DefaultBlockedSyscalls
	}
	if len(p.AllowedSyscalls) == 0 {
		return blocked
	}
	allowed := make(map[string]struct{}, len(p.AllowedSyscalls))
	for _, s := range p.AllowedSyscalls {
		allowed[s] = struct{}{}
	}
	out := make([]string, 0, len(blocked))
	for _, s := range blocked {
		if _, ok := allowed[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// checkCommand enforces the Strict level policy on a command line.
// dir is the sandbox's private directory, always accessible.
func checkCommand(p SecurityPolicy, dir string, cmd Command) error {
	denied := deniedPrograms(p)
	for _, prog := range commandPrograms(cmd.Args) {
		if reason, ok := denied[prog]; ok {
			return fmt.Errorf("%w: program %q is not permitted (%s)", ErrSecurityViolation, prog, reason)
		}
	}

	if cmd.WorkingDir != "" {
		if err := checkPath(p, dir, cmd.WorkingDir); err != nil {
			return err
		}
	}
	for _, arg := range cmd.Args[1:] {
		for _, candidate := range pathCandidates(arg) {
			if err := checkPath(p, dir, candidate); err != nil {
				return err
			}
		}
	}
	return nil
}

func deniedPrograms(p SecurityPolicy) map[string]string {
	denied := make(map[string]string)
	for _, sc := range blockedSyscalls(p) {
		for _, prog := range syscallPrograms[sc] {
			denied[prog] = "blocked syscall " + sc
		}
	}
	if !p.AllowNetwork {
		for _, prog := range networkPrograms {
			denied[prog] = "network access disabled"
		}
	}
	return denied
}

// commandPrograms returns the program names a command line may start: argv[0]
// and, for shell -c scripts, the first word of every pipeline stage.
func commandPrograms(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	progs := []string{filepath.Base(args[0])}
	if isShell(progs[0]) {
		for i := 1; i+1 < len(args); i++ {
			if args[i] == "-c" {
				progs = append(progs, scriptPrograms(args[i+1])...)
				break
			}
		}
	}
	return progs
}

func isShell(name string) bool {
	switch name {
	case "sh", "bash", "dash", "zsh", "ash", "ksh":
		return true
	}
	return false
}

func scriptPrograms(script string) []string {
	var progs []string
	stages := strings.FieldsFunc(script, func(r rune) bool {
		return r == ';' || r == '|' || r == '&' || r == '\n' || r == '(' || r == ')' || r == '`'
	})
	for _, stage := range stages {
		fields := strings.Fields(stage)
		for len(fields) > 0 && (strings.Contains(fields[0], "=") || fields[0] == "exec" || fields[0] == "env") {
			fields = fields[1:]
		}
		if len(fields) > 0 {
			progs = append(progs, filepath.Base(fields[0]))
		}
	}
	return progs
}

// pathCandidates extracts absolute paths from an argument, including the
// value side of --flag=/path forms.
func pathCandidates(arg string) []string {
	if _, v, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(v, "/") {
		return []string{v}
	}
	if strings.HasPrefix(arg, "/") {
		return []string{arg}
	}
	return nil
}

// checkPath enforces deny-first path rules. The sandbox directory is always
// allowed; everything else needs AllowFilesystem and must match AllowedPaths
// when that list is non-empty.
func checkPath(p SecurityPolicy, dir, path string) error {
	clean := filepath.Clean(path)
	if dir != "" && hasPathPrefix(clean, dir) {
		return nil
	}
	for _, d := range append(append([]string{}, defaultDeniedPaths...), p.DeniedPaths...) {
		if hasPathPrefix(clean, d) {
			return fmt.Errorf("%w: path %q is denied", ErrSecurityViolation, clean)
		}
	}
	if !p.AllowFilesystem {
		return fmt.Errorf("%w: filesystem access outside the sandbox is disabled (%s)", ErrSecurityViolation, clean)
	}
	if len(p.AllowedPaths) == 0 {
		return nil
	}
	for _, a := range p.AllowedPaths {
		if hasPathPrefix(clean, a) {
			return nil
		}
	}
	return fmt.Errorf("%w: path %q is not in allowed paths", ErrSecurityViolation, clean)
}

func hasPathPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	if prefix == "/" {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}
