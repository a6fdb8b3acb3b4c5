package httpapi

import (
	"net/http"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"

	"github.com/blawesom/vm-manager/internal/apierr"
	"github.com/blawesom/vm-manager/internal/model"
	"github.com/blawesom/vm-manager/internal/store"
)

type createDiskRequest struct {
	SizeGB     int    `json:"size"`
	MountPoint string `json:"mount_point"`
}

// createDisk implements POST /disks: allocate an id, create the backing
// qcow2 image via the Operator, then record the Disk row.
func (h *handlers) createDisk(w http.ResponseWriter, r *http.Request) {
	var req createDiskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}
	if req.SizeGB < 1 {
		writeError(w, apierr.Validation("size must be >= 1"))
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		writeError(w, apierr.Operator(err, "generating disk id"))
		return
	}
	diskID := id.String()
	path := h.deps.Operator.DiskPath(diskID)

	if err := h.deps.Operator.CreateDiskImage(path, req.SizeGB, "qcow2"); err != nil {
		writeError(w, apierr.Operator(err, "creating disk image for %q", diskID))
		return
	}

	d := model.Disk{ID: diskID, SizeGB: req.SizeGB, State: model.DiskAvailable}
	if req.MountPoint != "" {
		mp := req.MountPoint
		d.MountPoint = &mp
	}

	if err := h.deps.Store.CreateDisk(d); err != nil {
		writeError(w, apierr.Operator(err, "recording disk %q", diskID))
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

func (h *handlers) listDisks(w http.ResponseWriter, r *http.Request) {
	disks, err := h.deps.Store.ListDisks()
	if err != nil {
		writeError(w, apierr.Operator(err, "listing disks"))
		return
	}
	if disks == nil {
		disks = []model.Disk{}
	}
	writeJSON(w, http.StatusOK, disks)
}

func (h *handlers) getDisk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d, err := h.deps.Store.GetDisk(id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("disk %q not found", id))
			return
		}
		writeError(w, apierr.Operator(err, "looking up disk %q", id))
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// deleteDisk fails if the disk is attached.
func (h *handlers) deleteDisk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d, err := h.deps.Store.GetDisk(id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("disk %q not found", id))
			return
		}
		writeError(w, apierr.Operator(err, "looking up disk %q", id))
		return
	}

	if d.State == model.DiskAttached {
		writeError(w, apierr.Conflict("disk %q is attached", id))
		return
	}

	if err := h.deps.Operator.DeleteDiskImage(h.deps.Operator.DiskPath(id)); err != nil {
		writeError(w, apierr.Operator(err, "deleting disk image %q", id))
		return
	}

	if err := h.deps.Store.DeleteDisk(id); err != nil {
		writeError(w, apierr.Operator(err, "deleting disk %q", id))
		return
	}

	writeJSON(w, http.StatusNoContent, nil)
}

type attachDiskRequest struct {
	VMID       string `json:"vm_id"`
	MountPoint string `json:"mount_point"`
}

// attachDisk implements POST /disks/{id}/attach: requires the disk to be
// available and the target VM to be running, hot-plugs over QMP, then
// updates the Disk row.
func (h *handlers) attachDisk(w http.ResponseWriter, r *http.Request) {
	diskID := mux.Vars(r)["id"]

	var req attachDiskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}

	d, err := h.deps.Store.GetDisk(diskID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("disk %q not found", diskID))
			return
		}
		writeError(w, apierr.Operator(err, "looking up disk %q", diskID))
		return
	}
	if d.State != model.DiskAvailable {
		writeError(w, apierr.Conflict("disk %q is not available", diskID))
		return
	}

	vm, err := h.deps.Store.GetVM(req.VMID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("VM %q not found", req.VMID))
			return
		}
		writeError(w, apierr.Operator(err, "looking up VM %q", req.VMID))
		return
	}
	if vm.State != model.VMRunning {
		writeError(w, apierr.Conflict("VM %q is not running", req.VMID))
		return
	}

	mountPoint := model.DefaultMountPoint
	if d.MountPoint != nil && *d.MountPoint != "" {
		mountPoint = *d.MountPoint
	}
	if req.MountPoint != "" {
		mountPoint = req.MountPoint
	}

	if err := h.deps.Operator.AttachDisk(vm.ID, h.deps.Operator.DiskPath(diskID), mountPoint); err != nil {
		writeError(w, apierr.Operator(err, "attaching disk %q to VM %q", diskID, vm.ID))
		return
	}

	d.State = model.DiskAttached
	d.VMID = &vm.ID
	d.MountPoint = &mountPoint
	if err := h.deps.Store.UpdateDisk(d); err != nil {
		writeError(w, apierr.Operator(err, "persisting disk %q state", diskID))
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// detachDisk implements POST /disks/{id}/detach. If the target VM is
// absent or not running the detach only updates the database; a QMP
// round-trip against a VM with no live monitor socket can only fail.
func (h *handlers) detachDisk(w http.ResponseWriter, r *http.Request) {
	diskID := mux.Vars(r)["id"]

	d, err := h.deps.Store.GetDisk(diskID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("disk %q not found", diskID))
			return
		}
		writeError(w, apierr.Operator(err, "looking up disk %q", diskID))
		return
	}
	if d.State != model.DiskAttached {
		writeError(w, apierr.Conflict("disk %q is not attached", diskID))
		return
	}

	if d.VMID != nil {
		vm, err := h.deps.Store.GetVM(*d.VMID)
		if err == nil && vm.State == model.VMRunning {
			if err := h.deps.Operator.DetachDisk(vm.ID, h.deps.Operator.DiskPath(diskID)); err != nil {
				writeError(w, apierr.Operator(err, "detaching disk %q from VM %q", diskID, vm.ID))
				return
			}
		}
	}

	d.State = model.DiskAvailable
	d.VMID = nil
	d.MountPoint = nil
	if err := h.deps.Store.UpdateDisk(d); err != nil {
		writeError(w, apierr.Operator(err, "persisting disk %q state", diskID))
		return
	}

	writeJSON(w, http.StatusOK, d)
}
