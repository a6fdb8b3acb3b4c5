package operator

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/blawesom/vm-manager/internal/vlog"
)

// CreateDiskImage creates a sparse qcow2 image at path, rejecting a
// non-positive size or a path that already exists.
func (o *Operator) CreateDiskImage(path string, sizeGB int, format string) error {
	if sizeGB <= 0 {
		return errors.Errorf("operator: size_gb must be positive, got %d", sizeGB)
	}
	if format == "" {
		format = "qcow2"
	}

	if err := ensureWritableParent(path); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("operator: disk image already exists: %s", path)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "operator: stat %s", path)
	}

	if o.cfg.DryRun {
		vlog.Info("operator: dry-run: would create disk %s size=%dG fmt=%s", path, sizeGB, format)
		return nil
	}

	qemuImg, err := exec.LookPath(defaultExternalProcesses["qemu-img"])
	if err != nil {
		return errors.Wrap(err, "operator: qemu-img not found in PATH")
	}

	size := sizeToArg(sizeGB)
	cmd := exec.Command(qemuImg, "create", "-f", format, path, size)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "operator: qemu-img create failed: %s", string(out))
	}

	return nil
}

func sizeToArg(sizeGB int) string {
	return strconv.Itoa(sizeGB) + "G"
}

// DeleteDiskImage removes a disk image, failing if it is absent.
func (o *Operator) DeleteDiskImage(path string) error {
	if o.cfg.DryRun {
		vlog.Info("operator: dry-run: would delete disk %s", path)
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errors.Errorf("operator: disk image not found: %s", path)
	}

	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "operator: deleting disk image %s", path)
	}
	return nil
}

// ensureWritableParent ensures the parent directory of path exists and is
// writable.
func ensureWritableParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "operator: creating storage directory %s", dir)
	}
	// A best-effort writability probe: MkdirAll above already surfaces
	// permission errors for directories we had to create; for pre-existing
	// directories, attempt a throwaway temp file.
	probe := filepath.Join(dir, ".vman-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return errors.Wrapf(err, "operator: storage directory not writable: %s", dir)
	}
	f.Close()
	os.Remove(probe)
	return nil
}
