//go:build linux

package sandbox

import (
	"errors"
	"slices"
	"testing"

	seccomp "github.com/elastic/go-seccomp-bpf"
)

func TestConfinement_SeccompPolicy(t *testing.T) {
	c := newConfinement(SecurityPolicy{BlockedSyscalls: []string{"mkdir", "mkdirat"}}, "/tmp/sbx")
	p := c.seccompPolicy()
	if p.DefaultAction != seccomp.ActionAllow {
		t.Errorf("default action = %v", p.DefaultAction)
	}
	if len(p.Syscalls) != 2 {
		t.Fatalf("groups = %d, want blocked and network", len(p.Syscalls))
	}
	if g := p.Syscalls[0]; g.Action != seccomp.ActionKillProcess || !slices.Equal(g.Names, []string{"mkdir", "mkdirat"}) {
		t.Errorf("blocked group = %+v", g)
	}
	if g := p.Syscalls[1]; g.Action != seccomp.ActionErrno || !slices.Contains(g.Names, "socket") {
		t.Errorf("network group = %+v", g)
	}
	if _, err := p.Assemble(); err != nil {
		t.Errorf("Assemble: %v", err)
	}

	open := newConfinement(SecurityPolicy{AllowNetwork: true, AllowedSyscalls: DefaultBlockedSyscalls}, "/tmp/sbx")
	if got := open.seccompPolicy(); len(got.Syscalls) != 0 {
		t.Errorf("groups = %+v, want none", got.Syscalls)
	}
}

func TestConfinement_DefaultBlockedListCompiles(t *testing.T) {
	if err := checkSyscallNames(DefaultBlockedSyscalls); err != nil {
		t.Fatal(err)
	}
}

func TestConfinement_Paths(t *testing.T) {
	c := newConfinement(SecurityPolicy{}, "/tmp/sbx")
	if !c.RestrictPaths || !slices.Equal(c.ReadWrite, []string{"/tmp/sbx"}) {
		t.Errorf("no filesystem access: %+v", c)
	}
	if !slices.Contains(c.ReadOnly, "/usr") {
		t.Errorf("read-only = %v, want system dirs", c.ReadOnly)
	}

	c = newConfinement(SecurityPolicy{AllowFilesystem: true, AllowedPaths: []string{"/data"}}, "/tmp/sbx")
	if !c.RestrictPaths || !slices.Contains(c.ReadWrite, "/data") {
		t.Errorf("allowed paths: %+v", c)
	}

	c = newConfinement(SecurityPolicy{AllowFilesystem: true}, "/tmp/sbx")
	if c.RestrictPaths {
		t.Error("unrestricted filesystem should not get path rules")
	}
}

func TestValidatePolicy_UnknownSyscall(t *testing.T) {
	err := ValidatePolicy(SecurityPolicy{BlockedSyscalls: []string{"not_a_syscall"}})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("err = %v, want ErrInvalidPolicy", err)
	}
}

func TestConfineFailed(t *testing.T) {
	if reason, ok := confineFailed(confineExit, confineMarker+"seccomp: EINVAL\n"); !ok || reason != "seccomp: EINVAL" {
		t.Errorf("reason = %q ok = %v", reason, ok)
	}
	if _, ok := confineFailed(confineExit, "program error"); ok {
		t.Error("a program exiting 125 is not a confinement failure")
	}
	if _, ok := confineFailed(1, confineMarker+"x"); ok {
		t.Error("wrong exit code matched")
	}
}
