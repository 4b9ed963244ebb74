package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func pidPath() string {
	return filepath.Join(scriptdDir(), "scriptd.pid")
}

// writePidfile records the current process so `scriptd reload` can find it.
// The returned func removes the file.
func writePidfile() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(pidPath()), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, err
	}
	return func() { _ = os.Remove(pidPath()) }, nil
}

// signalRunningServer sends SIGHUP to a running scriptd server (via pidfile).
func signalRunningServer() error {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return fmt.Errorf("no running server: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("corrupt pidfile %s: %w", pidPath(), err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return fmt.Errorf("server (PID %d) is not running: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return err
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return nil
}
