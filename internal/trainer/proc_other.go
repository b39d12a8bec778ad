//go:build !unix

package trainer

import "os/exec"

// killProcessGroup keeps exec's default of killing the trainer process
// alone; WaitDelay still bounds the wait on its output.
func killProcessGroup(cmd *exec.Cmd) {}

func reapProcessGroup(cmd *exec.Cmd) {}
