package operator

import (
	"time"

	"github.com/pkg/errors"

	"github.com/blawesom/vm-manager/internal/qmp"
	"github.com/blawesom/vm-manager/internal/vlog"
)

const detachPollInterval = 500 * time.Millisecond
const detachPollBudget = 5 * time.Second

// AttachDisk hot-plugs a disk over QMP: blockdev-add wrapping a qcow2
// file backend, then device_add of a virtio-blk-pci device on pcie.0.
func (o *Operator) AttachDisk(vmID, diskPath, device string) error {
	lock := o.lockFor(vmID)
	lock.Lock()
	defer lock.Unlock()

	if o.cfg.DryRun {
		vlog.Info("operator: dry-run: would attach %s to VM %s as %s", diskPath, vmID, device)
		return nil
	}

	conn, err := qmp.Dial(o.qmpSockPath(vmID))
	if err != nil {
		return errors.Wrapf(err, "operator: qmp dial for attach on VM %s", vmID)
	}
	defer conn.Close()

	driveID := deriveDriveID(device)
	nodeName := "node-" + driveID

	if err := conn.BlockdevAdd(nodeName, diskPath); err != nil {
		return errors.Wrapf(err, "operator: blockdev-add for VM %s", vmID)
	}

	// device_add failure is surfaced as-is; the blockdev-add node above is
	// not auto-rolled-back.
	if err := conn.DeviceAddVirtioBlk("virtio-"+driveID, nodeName); err != nil {
		return errors.Wrapf(err, "operator: device_add for VM %s", vmID)
	}

	return nil
}

// DetachDisk hot-unplugs a disk: locate the device whose inserted file
// matches diskPath via query-block, issue device_del, then poll
// query-block until the device disappears.
func (o *Operator) DetachDisk(vmID, diskPath string) error {
	lock := o.lockFor(vmID)
	lock.Lock()
	defer lock.Unlock()

	if o.cfg.DryRun {
		vlog.Info("operator: dry-run: would detach %s from VM %s", diskPath, vmID)
		return nil
	}

	conn, err := qmp.Dial(o.qmpSockPath(vmID))
	if err != nil {
		return errors.Wrapf(err, "operator: qmp dial for detach on VM %s", vmID)
	}
	defer conn.Close()

	deviceID, found, err := findBlockDevice(conn, diskPath)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("operator: no attached device found for disk %s on VM %s", diskPath, vmID)
	}

	if err := conn.DeviceDel(deviceID); err != nil {
		return errors.Wrapf(err, "operator: device_del for VM %s", vmID)
	}

	deadline := time.Now().Add(detachPollBudget)
	for time.Now().Before(deadline) {
		_, stillThere, err := findBlockDevice(conn, diskPath)
		if err != nil {
			return err
		}
		if !stillThere {
			return nil
		}
		time.Sleep(detachPollInterval)
	}

	return errors.Errorf("operator: device %s did not disappear from VM %s within %v", deviceID, vmID, detachPollBudget)
}

// findBlockDevice walks query-block's return value looking for an entry
// whose inserted.file matches diskPath, returning its device id.
func findBlockDevice(conn *qmp.Conn, diskPath string) (string, bool, error) {
	entries, err := conn.QueryBlock()
	if err != nil {
		return "", false, errors.Wrap(err, "operator: query-block")
	}

	for _, e := range entries {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		inserted, ok := m["inserted"].(map[string]interface{})
		if !ok {
			continue
		}
		if file, _ := inserted["file"].(string); file == diskPath {
			id, _ := m["device"].(string)
			if id == "" {
				id, _ = m["qdev"].(string)
			}
			return id, true, nil
		}
	}

	return "", false, nil
}
