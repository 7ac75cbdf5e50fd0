package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// daemonize replaces xvp_process_background's fork/setsid dance: Go
// cannot fork a running runtime safely, so the master instead re-execs
// itself in a detached session with the same arguments, marking the
// child via XVP_FOREGROUND so it runs the real server loop instead of
// daemonizing again.
func daemonize(opts *options) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), "XVP_FOREGROUND=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting background process: %w", err)
	}

	fmt.Printf("xvp started in background (pid %d, pidfile %s)\n", cmd.Process.Pid, opts.pidFile)
	return nil
}
