// Package seccomp builds the syscall filters applied to every sandbox unit.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ENOSYS makes unknown syscalls look unimplemented, so runtimes probing
// for newer kernel features (io_uring, clone3) fall back instead of failing.
const ENOSYS uint = 38

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchX86,
				specs.ArchX32,
				specs.ArchAARCH64,
				specs.ArchARM,
			},
		},
	}
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.add(names, specs.ActAllow)
}

// BlockSyscalls denies names with EPERM regardless of the default errno.
func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	eperm := uint(1)
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:    names,
		Action:   specs.ActErrno,
		ErrnoRet: &eperm,
	})
	return b
}

func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.add(names, specs.ActTrap)
}

// WithDefaultErrno sets the errno returned for syscalls matching no rule.
func (b *ProfileBuilder) WithDefaultErrno(errno uint) *ProfileBuilder {
	b.profile.DefaultErrnoRet = &errno
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

func (b *ProfileBuilder) add(names []string, action specs.LinuxSeccompAction) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}
