package main

import (
	"log"
	"os/exec"
	"runtime"
	"syscall"

	"prdloop/internal/agent"
)

// startSleepGuard keeps the machine awake for the duration of a run. On
// darwin this starts caffeinate; elsewhere it is a no-op. The returned
// stop function terminates the helper; the process manager also covers
// it on signal shutdown so it never outlives the loop.
func startSleepGuard(procMgr *agent.ProcessManager) func() {
	if runtime.GOOS != "darwin" {
		return func() {}
	}
	path, err := exec.LookPath("caffeinate")
	if err != nil {
		return func() {}
	}

	cmd := exec.Command(path, "-dims")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		log.Printf("WARNING: starting caffeinate: %v", err)
		return func() {}
	}
	procMgr.Track(cmd)

	go func() {
		_ = cmd.Wait()
		procMgr.Untrack(cmd)
	}()

	return func() {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		}
	}
}
