package operator

import (
	"os"
	"syscall"
	"time"

	"github.com/blawesom/vm-manager/internal/qmp"
	"github.com/blawesom/vm-manager/internal/vlog"
)

const (
	gracefulTimeout = 30 * time.Second
	sigtermTimeout  = 10 * time.Second
	pollInterval    = 200 * time.Millisecond
)

// StopVM shuts down a guest: graceful QMP shutdown escalating to SIGTERM
// then SIGKILL. Idempotent: stopping an already-stopped VM is a no-op
// success.
func (o *Operator) StopVM(vmID string, force bool) error {
	lock := o.lockFor(vmID)
	lock.Lock()
	defer lock.Unlock()

	running, err := o.isVMRunning(vmID)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	pid, _, err := readPID(o.pidFilePath(vmID))
	if err != nil {
		return err
	}

	if o.cfg.DryRun {
		vlog.Info("operator: dry-run: would stop VM %s (pid %d)", vmID, pid)
		o.cleanupAfterExit(vmID)
		return nil
	}

	if !force {
		if o.tryGracefulShutdown(vmID, pid) {
			o.cleanupAfterExit(vmID)
			return nil
		}
	}

	if processAlive(pid) {
		vlog.Info("operator: escalating to SIGTERM for VM %s (pid %d)", vmID, pid)
		syscall.Kill(pid, syscall.SIGTERM)
		if waitForExit(pid, sigtermTimeout) {
			o.cleanupAfterExit(vmID)
			return nil
		}
	}

	if processAlive(pid) {
		vlog.Info("operator: escalating to SIGKILL for VM %s (pid %d)", vmID, pid)
		syscall.Kill(pid, syscall.SIGKILL)
		waitForExit(pid, sigtermTimeout)
	}

	o.cleanupAfterExit(vmID)
	return nil
}

// tryGracefulShutdown issues QMP system_powerdown and waits up to 30 s
// for the process to exit.
func (o *Operator) tryGracefulShutdown(vmID string, pid int) bool {
	conn, err := qmp.Dial(o.qmpSockPath(vmID))
	if err != nil {
		vlog.Warn("operator: qmp dial failed for VM %s: %v", vmID, err)
		return false
	}
	defer conn.Close()

	if err := conn.SystemPowerdown(); err != nil {
		vlog.Warn("operator: system_powerdown failed for VM %s: %v", vmID, err)
		return false
	}

	return waitForExit(pid, gracefulTimeout)
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !processAlive(pid)
}

// cleanupAfterExit releases network resources (TAP, IP, their artifact
// files) and removes qemu.pid and qmp.sock.
func (o *Operator) cleanupAfterExit(vmID string) {
	dir := o.vmDir(vmID)

	if tap, ok, _ := readArtifact(dir, tapFileName); ok && tap != "" {
		o.net.DeleteTapInterface(tap)
	}
	if ip, ok, _ := readArtifact(dir, ipFileName); ok && ip != "" {
		o.net.ReleaseIP(ip)
	}
	removeArtifact(dir, tapFileName)
	removeArtifact(dir, ipFileName)

	os.Remove(o.pidFilePath(vmID))
	os.Remove(o.qmpSockPath(vmID))
}
