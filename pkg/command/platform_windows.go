//go:build windows

package command

import (
	"os/exec"
	"strconv"
)

type windowsPlatform struct{}

// DetectPlatform returns the platform implementation for this OS.
func DetectPlatform() Platform { return windowsPlatform{} }

func (windowsPlatform) LookupCommand() []string { return []string{"where"} }

func (windowsPlatform) ScriptName(base string) string { return base + ".bat" }

func (windowsPlatform) PrepareProcessGroup(cmd *exec.Cmd) {}

// KillProcessTree relies on taskkill /T to reach descendant processes.
func (windowsPlatform) KillProcessTree(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}
