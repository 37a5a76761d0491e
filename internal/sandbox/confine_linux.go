//go:build linux

package sandbox

import (
	"fmt"
	"slices"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/landlock-lsm/go-landlock/landlock"
	llsyscall "github.com/landlock-lsm/go-landlock/landlock/syscall"
	"golang.org/x/sys/unix"
)

const confineSupported = true

// apply restricts the current process. Both restrictions survive execve.
func (c confinement) apply() error {
	if c.RestrictPaths {
		err := landlock.V5.BestEffort().RestrictPaths(
			landlock.RODirs(existing(c.ReadOnly)...),
			landlock.RWDirs(existing(c.ReadWrite)...),
			landlock.RWFiles(existing(deviceFiles)...),
		)
		if err != nil {
			return fmt.Errorf("landlock: %w", err)
		}
	}
	policy := c.seccompPolicy()
	if len(policy.Syscalls) == 0 {
		return nil
	}
	err := seccomp.LoadFilter(seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     policy,
	})
	if err != nil {
		return fmt.Errorf("seccomp: %w", err)
	}
	return nil
}

// seccompPolicy allows everything except the blocked syscalls, which kill
// the process, and socket(2) when the network is denied.
func (c confinement) seccompPolicy() seccomp.Policy {
	p := seccomp.Policy{DefaultAction: seccomp.ActionAllow}
	if len(c.Blocked) > 0 {
		p.Syscalls = append(p.Syscalls, seccomp.SyscallGroup{
			Action: seccomp.ActionKillProcess,
			Names:  c.Blocked,
		})
	}
	if c.DenyNetwork && !slices.Contains(c.Blocked, "socket") {
		p.Syscalls = append(p.Syscalls, seccomp.SyscallGroup{
			Action: seccomp.ActionErrno,
			Names:  []string{"socket"},
		})
	}
	return p
}

// checkSyscallNames rejects names the filter compiler does not know for this
// architecture.
func checkSyscallNames(names []string) error {
	if len(names) == 0 {
		return nil
	}
	p := seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
		Syscalls:      []seccomp.SyscallGroup{{Action: seccomp.ActionErrno, Names: names}},
	}
	if _, err := p.Assemble(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return nil
}

// confinementSupport reports whether the kernel offers seccomp filters and
// which Landlock ABI, 0 for none.
func confinementSupport() (seccompOK bool, landlockABI int) {
	seccompOK = unix.Prctl(unix.PR_GET_SECCOMP, 0, 0, 0, 0) == nil
	if v, err := llsyscall.LandlockGetABIVersion(); err == nil {
		landlockABI = v
	}
	return seccompOK, landlockABI
}
