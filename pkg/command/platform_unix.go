//go:build !windows

package command

import (
	"os/exec"
	"syscall"
)

type unixPlatform struct{}

// DetectPlatform returns the platform implementation for this OS.
func DetectPlatform() Platform { return unixPlatform{} }

func (unixPlatform) LookupCommand() []string { return []string{"which"} }

func (unixPlatform) ScriptName(base string) string { return base }

// PrepareProcessGroup puts the child in its own process group so a timeout
// kill reaches gradle daemons and other grandchildren.
func (unixPlatform) PrepareProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (unixPlatform) KillProcessTree(pid int) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Process group unknown, fall back to the process itself.
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
