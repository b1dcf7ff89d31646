package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
			"fadvise64",
			"sendfile", "splice", "copy_file_range",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "mincore", "msync", "membarrier",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"fork", "vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
			"kill", "tkill", "tgkill",
			"pidfd_open", "pidfd_send_signal",
		).
		AllowSyscalls(
			"futex", "futex_waitv",
			"gettid",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"rt_sigsuspend", "rt_sigtimedwait",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday", "time", "times",
			"nanosleep", "clock_nanosleep",
			"setitimer", "getitimer", "alarm",
			"timer_create", "timer_settime", "timer_gettime", "timer_delete",
			"timerfd_create", "timerfd_settime", "timerfd_gettime",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid", "getresuid",
			"getgid", "getegid", "getresgid", "getgroups",
			"getpgrp", "getpgid", "setpgid", "getsid",
			"uname",
			"getcwd",
			"getrusage", "getpriority",
			"sched_yield", "sched_getaffinity",
			"sched_getparam", "sched_getscheduler",
			"getcpu",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl",
			"epoll_wait", "epoll_pwait", "epoll_pwait2",
			"eventfd2", "signalfd4",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"truncate", "ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"utimensat",
			"getxattr", "lgetxattr", "fgetxattr",
			"memfd_create",
		)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
			"socket", "socketpair", "connect", "bind", "listen",
		)
}

// DefaultProfile returns a deny-by-default seccomp profile with allowlisted
// syscalls for interpreters, compilers, the JVM and the Go toolchain.
// Sockets are always denied; units never have a network.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder().WithDefaultErrno(ENOSYS)
	b = baseSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// DockerProfileJSON renders DefaultProfile in the format accepted by
// Docker's "seccomp=" security option. The OCI field names match Docker's.
func DockerProfileJSON() ([]byte, error) {
	data, err := json.Marshal(DefaultProfile())
	if err != nil {
		return nil, fmt.Errorf("marshaling seccomp profile: %w", err)
	}
	return data, nil
}
