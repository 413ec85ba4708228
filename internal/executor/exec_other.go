//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

func detach(*exec.Cmd) {}

func isExecutable(os.FileInfo) bool { return true }
