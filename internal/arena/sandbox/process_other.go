//go:build !linux

package sandbox

import (
	"os"
	"syscall"
)

func buildSysProcAttr() *syscall.SysProcAttr {
	return nil
}

func killProcessGroup(p *os.Process) {
	if p == nil {
		return
	}
	_ = p.Kill()
}
