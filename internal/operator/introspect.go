package operator

import "os/exec"

// StorageRoot exposes the configured storage root for components (the
// Observer, the HTTP API) that need to compute artifact paths without
// duplicating the Operator's layout conventions.
func (o *Operator) StorageRoot() string {
	return o.cfg.StorageRoot
}

// VMDir returns the per-VM directory path for vmID.
func (o *Operator) VMDir(vmID string) string {
	return o.vmDir(vmID)
}

// DiskPath returns the on-disk path for a disk image id.
func (o *Operator) DiskPath(diskID string) string {
	return o.diskPath(diskID)
}

// IsVMRunning reports whether the VM's pidfile names a live process,
// cleaning up a stale pidfile as a side effect. Exported for the
// Observer's QEMU-process enumeration pass.
func (o *Operator) IsVMRunning(vmID string) (bool, error) {
	return o.isVMRunning(vmID)
}

// DeriveMAC exposes the MAC-derivation function for callers (tests, the
// HTTP API) that need to predict a VM's MAC without starting it.
func DeriveMAC(vmID string) string {
	return deriveMAC(vmID)
}

// QEMUPath returns the located QEMU binary path, or "" in dry-run mode
// where no binary was resolved.
func (o *Operator) QEMUPath() string {
	return o.qemuPath
}

// DryRun reports whether this Operator was constructed in dry-run mode.
func (o *Operator) DryRun() bool {
	return o.cfg.DryRun
}

// CheckQEMUImg reports whether the qemu-img binary this Operator shells
// out to for disk-image creation is resolvable on PATH, for use by the
// health-check endpoint.
func (o *Operator) CheckQEMUImg() error {
	if o.cfg.DryRun {
		return nil
	}
	_, err := exec.LookPath(defaultExternalProcesses["qemu-img"])
	return err
}
