package operator

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/blawesom/vm-manager/internal/vlog"
)

// spawnTimeout bounds how long Start waits for the daemonized QEMU
// process to report its PID file.
const spawnTimeout = 30 * time.Second

// StartResult carries back the network facts the caller persists to the
// Inventory Store.
type StartResult struct {
	LocalIP string // empty if user-mode fallback was used
	Tap     string
	MAC     string
}

// StartVM boots a guest: liveness check, directory setup, root disk
// resolution, network acquisition, then the daemonized QEMU spawn. Network
// resources are rolled back if any later step fails.
func (o *Operator) StartVM(vmID string, qcow2Path string, cpuCount, ramGB int) (*StartResult, error) {
	lock := o.lockFor(vmID)
	lock.Lock()
	defer lock.Unlock()

	running, err := o.isVMRunning(vmID)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, errors.Errorf("operator: VM %s is already running", vmID)
	}

	dir, err := o.ensureVMDir(vmID)
	if err != nil {
		return nil, err
	}

	os.Remove(o.qmpSockPath(vmID))

	rootDisk, err := o.resolveRootDisk(dir, qcow2Path)
	if err != nil {
		return nil, err
	}

	mac := deriveMAC(vmID)
	result, netOK := o.acquireNetwork(vmID, dir, mac)

	args, err := o.qemuArgs(vmID, dir, rootDisk, cpuCount, ramGB, mac, result, netOK)
	if err != nil {
		if netOK {
			o.releaseNetwork(dir, result)
		}
		return nil, err
	}

	if o.cfg.DryRun {
		vlog.Info("operator: dry-run: would spawn %s %v", o.qemuPath, args)
		return result, nil
	}

	if err := o.spawnQEMU(vmID, dir, args); err != nil {
		if netOK {
			o.releaseNetwork(dir, result)
		}
		return nil, err
	}

	return result, nil
}

// resolveRootDisk picks the boot image: the caller-supplied path, else
// the VM's private root.qcow2, creating it from the default boot disk or
// as an empty 10 GB image if missing.
func (o *Operator) resolveRootDisk(dir, qcow2Path string) (string, error) {
	if qcow2Path != "" {
		return qcow2Path, nil
	}

	root := filepath.Join(dir, rootDiskName)
	if _, err := os.Stat(root); err == nil {
		return root, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "operator: stat %s", root)
	}

	if o.cfg.DefaultBootDisk != "" {
		if err := copyFile(o.cfg.DefaultBootDisk, root); err != nil {
			return "", errors.Wrap(err, "operator: copying default boot disk")
		}
		return root, nil
	}

	if err := o.CreateDiskImage(root, 10, "qcow2"); err != nil {
		return "", errors.Wrap(err, "operator: creating default root disk")
	}
	return root, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// acquireNetwork ensures the bridge, creates a TAP, and allocates (or
// reuses) an IPv4. On failure it falls back to user-mode networking and
// reports netOK=false.
func (o *Operator) acquireNetwork(vmID, dir, mac string) (*StartResult, bool) {
	if err := o.net.EnsureBridge(); err != nil {
		vlog.Warn("operator: ensure_bridge failed for VM %s, falling back to user-mode networking: %v", vmID, err)
		return &StartResult{MAC: mac}, false
	}

	tap, err := o.net.CreateTapInterface(vmID)
	if err != nil {
		vlog.Warn("operator: create_tap_interface failed for VM %s, falling back to user-mode networking: %v", vmID, err)
		return &StartResult{MAC: mac}, false
	}

	ip := o.reuseOrAllocateIP(vmID, dir)
	if ip == "" {
		o.net.DeleteTapInterface(tap)
		vlog.Warn("operator: IP allocation failed for VM %s, falling back to user-mode networking", vmID)
		return &StartResult{MAC: mac}, false
	}

	writeArtifact(dir, ipFileName, ip)
	writeArtifact(dir, tapFileName, tap)
	writeArtifact(dir, macFileName, mac)

	return &StartResult{LocalIP: ip, Tap: tap, MAC: mac}, true
}

// reuseOrAllocateIP implements the IP-reuse policy: prefer ip.txt's
// recorded address if still unallocated, otherwise allocate fresh.
func (o *Operator) reuseOrAllocateIP(vmID, dir string) string {
	if recorded, ok, _ := readArtifact(dir, ipFileName); ok && recorded != "" {
		if o.net.TryReserveIP(recorded) {
			return recorded
		}
	}

	ip, err := o.net.AllocateIP(vmID)
	if err != nil {
		return ""
	}
	return ip
}

func (o *Operator) releaseNetwork(dir string, r *StartResult) {
	if r.Tap != "" {
		o.net.DeleteTapInterface(r.Tap)
	}
	if r.LocalIP != "" {
		o.net.ReleaseIP(r.LocalIP)
	}
	removeArtifact(dir, ipFileName)
	removeArtifact(dir, tapFileName)
}

// qemuArgs builds the argument slice for the daemonized spawn.
func (o *Operator) qemuArgs(vmID, dir, rootDisk string, cpuCount, ramGB int, mac string, r *StartResult, netOK bool) ([]string, error) {
	args := []string{
		o.qemuPath,
		"-machine", "q35,accel=kvm:tcg",
		"-cpu", "host",
		"-smp", fmt.Sprintf("%d", cpuCount),
		"-m", fmt.Sprintf("%dG", ramGB),
		"-drive", fmt.Sprintf("file=%s,if=virtio,id=drive0", rootDisk),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", o.qmpSockPath(vmID)),
		"-nographic",
		"-no-reboot",
		"-serial", fmt.Sprintf("file:%s", o.consolePath(vmID)),
		"-pidfile", o.pidFilePath(vmID),
		"-daemonize",
		"-D", filepath.Join(dir, qemuLogName),
	}

	if netOK {
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", r.Tap),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", mac),
		)
	} else {
		args = append(args,
			"-netdev", "user,id=net0,hostfwd=tcp::0-:22",
			"-device", "virtio-net-pci,netdev=net0",
		)
	}

	return args, nil
}

// spawnQEMU runs the daemonizing QEMU binary to completion (the initial
// fork exits once it has forked into the background) and then waits for
// the PID file to appear and name a live process.
func (o *Operator) spawnQEMU(vmID, dir string, args []string) error {
	vlog.Info("operator: spawning qemu for VM %s: %v", vmID, args)

	cmd := exec.Command(args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "operator: qemu spawn failed: %s", string(out))
	}

	deadline := time.Now().Add(spawnTimeout)
	for time.Now().Before(deadline) {
		pid, ok, err := readPID(o.pidFilePath(vmID))
		if err == nil && ok && processAlive(pid) {
			vlog.Info("operator: VM %s running as pid %d", vmID, pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return errors.Errorf("operator: VM %s did not report a live pidfile within %v", vmID, spawnTimeout)
}
