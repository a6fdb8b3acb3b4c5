// Package operator implements the Operator: disk-image operations, the
// QEMU child-process lifecycle, and QMP-driven hot-plug. Binaries are
// located via exec.LookPath; children are tracked by PID file and QMP
// socket under the per-VM directory.
package operator

import (
	"bytes"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/blawesom/vm-manager/internal/netmgr"
	"github.com/blawesom/vm-manager/internal/vlog"
)

// defaultExternalProcesses maps a logical command name to the actual
// binary looked up on PATH.
var defaultExternalProcesses = map[string]string{
	"qemu":     "qemu-system-x86_64",
	"qemu-kvm": "qemu-kvm",
	"qemu-img": "qemu-img",
}

// Config configures an Operator instance.
type Config struct {
	StorageRoot     string
	DefaultBootDisk string
	DryRun          bool
}

// Operator owns QEMU process lifecycle, disk-image operations, and
// hot-plug for every VM on the host. One Operator instance is shared by
// all HTTP handlers; per-VM operations are serialized by lockFor.
type Operator struct {
	cfg Config
	net *netmgr.Manager

	qemuPath    string
	machineType string

	mu      sync.Mutex
	vmLocks map[string]*sync.Mutex
}

// New constructs an Operator, locating the host's QEMU binary and
// enforcing the x86_64-only architecture constraint.
func New(cfg Config, net *netmgr.Manager) (*Operator, error) {
	o := &Operator{
		cfg:     cfg,
		net:     net,
		vmLocks: make(map[string]*sync.Mutex),
	}

	if cfg.DryRun {
		vlog.Info("operator: dry-run mode, skipping qemu binary discovery")
		return o, nil
	}

	path, err := locateQEMU()
	if err != nil {
		return nil, err
	}
	o.qemuPath = path

	if err := o.checkArchitecture(); err != nil {
		return nil, err
	}

	if err := o.probeMachineTypes(); err != nil {
		vlog.Warn("operator: %v", err)
	}

	return o, nil
}

func locateQEMU() (string, error) {
	for _, name := range []string{defaultExternalProcesses["qemu"], defaultExternalProcesses["qemu-kvm"]} {
		if path, err := exec.LookPath(name); err == nil {
			vlog.Info("operator: found qemu binary at %s", path)
			return path, nil
		}
	}
	return "", errors.New("operator: no x86_64 QEMU binary found in PATH")
}

var archPattern = regexp.MustCompile(`x86_64|qemu-kvm`)

// checkArchitecture refuses to operate with a non-x86_64 QEMU.
func (o *Operator) checkArchitecture() error {
	if !archPattern.MatchString(o.qemuPath) {
		return errors.Errorf("operator: refusing non-x86_64 qemu binary %s", o.qemuPath)
	}
	return nil
}

// probeMachineTypes looks for q35 or pc among the binary's supported
// machine types, warning (not failing) if neither is advertised.
func (o *Operator) probeMachineTypes() error {
	var out bytes.Buffer
	cmd := exec.Command(o.qemuPath, "-machine", "help")
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "operator: probing machine types")
	}

	text := out.String()
	if !strings.Contains(text, "q35") && !strings.Contains(text, "pc ") && !strings.Contains(text, "pc\n") {
		return errors.New("operator: neither q35 nor pc machine type advertised")
	}
	return nil
}

// lockFor returns the per-VM mutex for vmID, creating it on first use.
// Concurrent operations on the same vm_id serialize on this lock.
func (o *Operator) lockFor(vmID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.vmLocks[vmID]
	if !ok {
		l = &sync.Mutex{}
		o.vmLocks[vmID] = l
	}
	return l
}

func (o *Operator) vmDir(vmID string) string {
	return fmt.Sprintf("%s/vms/%s", o.cfg.StorageRoot, vmID)
}

func (o *Operator) diskPath(diskID string) string {
	return fmt.Sprintf("%s/disks/%s.qcow2", o.cfg.StorageRoot, diskID)
}

// deriveDriveID maps a guest device path to its QEMU drive id. The first
// four xvd slots are fixed; anything else gets a derived id.
func deriveDriveID(device string) string {
	switch device {
	case "/dev/xvda":
		return "drive0"
	case "/dev/xvdb":
		return "drive1"
	case "/dev/xvdc":
		return "drive2"
	case "/dev/xvdd":
		return "drive3"
	default:
		sum := 0
		for _, r := range device {
			sum += int(r)
		}
		return "drive" + strconv.Itoa(sum%1000+4)
	}
}
