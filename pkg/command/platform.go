package command

import "os/exec"

// Platform abstracts the OS-specific parts of subprocess management: PATH
// lookups, script suffixes, and process-tree termination. A single
// implementation is resolved at startup instead of branching on the OS name
// at every call site.
type Platform interface {
	// LookupCommand returns the argv prefix used to resolve a name on PATH.
	LookupCommand() []string
	// ScriptName adds the platform's script suffix to a tool name.
	ScriptName(base string) string
	// PrepareProcessGroup configures cmd so its descendants can be killed
	// as a group.
	PrepareProcessGroup(cmd *exec.Cmd)
	// KillProcessTree terminates pid and every descendant process.
	KillProcessTree(pid int) error
}
