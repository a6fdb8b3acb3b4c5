package operator

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/blawesom/vm-manager/internal/vlog"
)

const (
	pidFileName    = "qemu.pid"
	qmpSockName    = "qmp.sock"
	ipFileName     = "ip.txt"
	tapFileName    = "tap.txt"
	macFileName    = "mac.txt"
	consoleName    = "console.txt"
	qemuLogName    = "qemu.log"
	rootDiskName   = "root.qcow2"
	maxConsoleSize = 50 * 1024
)

func (o *Operator) ensureVMDir(vmID string) (string, error) {
	dir := o.vmDir(vmID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrapf(err, "operator: creating VM directory %s", dir)
	}
	return dir, nil
}

func (o *Operator) pidFilePath(vmID string) string {
	return filepath.Join(o.vmDir(vmID), pidFileName)
}

func (o *Operator) qmpSockPath(vmID string) string {
	return filepath.Join(o.vmDir(vmID), qmpSockName)
}

func (o *Operator) consolePath(vmID string) string {
	return filepath.Join(o.vmDir(vmID), consoleName)
}

// readPID reads the PID recorded in the VM's pidfile. ok is false if the
// file is absent.
func readPID(path string) (pid int, ok bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false, errors.Wrapf(err, "operator: parsing pidfile %s", path)
	}
	return pid, true, nil
}

// processAlive probes a PID with signal 0, the standard liveness check:
// the kernel performs permission/existence checks without delivering a
// signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// isVMRunning reports whether the VM's pidfile names a live process,
// cleaning up a stale pidfile as a side effect.
func (o *Operator) isVMRunning(vmID string) (bool, error) {
	path := o.pidFilePath(vmID)
	pid, ok, err := readPID(path)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if processAlive(pid) {
		return true, nil
	}
	vlog.Info("operator: removing stale pidfile for VM %s (pid %d not alive)", vmID, pid)
	os.Remove(path)
	return false, nil
}

func writeArtifact(dir, name, content string) error {
	path := filepath.Join(dir, name)
	return os.WriteFile(path, []byte(content), 0o644)
}

func readArtifact(dir, name string) (string, bool, error) {
	path := filepath.Join(dir, name)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(b)), true, nil
}

func removeArtifact(dir, name string) {
	os.Remove(filepath.Join(dir, name))
}

// deriveMAC computes the locally-administered MAC for a VM id: OUI 52:54,
// lower three octets from the first six hex digits of MD5(vm_id) split
// into pairs, final octet 00.
func deriveMAC(vmID string) string {
	sum := md5.Sum([]byte(vmID))
	hash := hex.EncodeToString(sum[:])
	octets := hash[:6]
	return fmt.Sprintf("52:54:%s:%s:%s:00", octets[0:2], octets[2:4], octets[4:6])
}

// TruncateConsoleIfNeeded rewrites the console log to its last 50 KiB
// when it grows beyond that. Called from maintenance points such as the
// Observer's reconciliation pass.
func (o *Operator) TruncateConsoleIfNeeded(vmID string) error {
	path := o.consolePath(vmID)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "operator: stat console log %s", path)
	}
	if info.Size() <= maxConsoleSize {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "operator: opening console log %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(-maxConsoleSize, io.SeekEnd); err != nil {
		return errors.Wrapf(err, "operator: seeking console log %s", path)
	}

	tail := make([]byte, maxConsoleSize)
	n, err := f.Read(tail)
	if err != nil {
		return errors.Wrapf(err, "operator: reading console log %s", path)
	}

	return os.WriteFile(path, tail[:n], 0o644)
}
