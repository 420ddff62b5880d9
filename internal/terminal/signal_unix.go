//go:build !windows

package terminal

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// terminateProcess asks the process to exit with SIGTERM.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// killProcess ends the process immediately.
func killProcess(p *os.Process) error {
	return p.Kill()
}

// waitPtyProcess reaps the PTY child. A signal death maps to 128+signo with
// the signal name attached; anything unreadable from the wait status reports
// exit code 1.
func waitPtyProcess(cmd *exec.Cmd, _ PtyHandle) (exitCode int, signalName string, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, "", nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, "", err
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, "", err
	}
	if ws.Signaled() {
		sig := ws.Signal()
		return 128 + int(sig), sig.String(), err
	}
	return ws.ExitStatus(), "", err
}
