package httpapi

import (
	"net/http"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"

	"github.com/blawesom/vm-manager/internal/apierr"
	"github.com/blawesom/vm-manager/internal/model"
	"github.com/blawesom/vm-manager/internal/store"
	"github.com/blawesom/vm-manager/internal/vlog"
)

type createVMRequest struct {
	TemplateName string `json:"template_name"`
	Name         string `json:"name"`
}

func (h *handlers) createVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}

	if _, err := h.deps.Store.GetTemplate(req.TemplateName); err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.Conflict("template not found"))
			return
		}
		writeError(w, apierr.Operator(err, "looking up template %q", req.TemplateName))
		return
	}

	id := req.Name
	if id == "" {
		generated, err := uuid.NewV4()
		if err != nil {
			writeError(w, apierr.Operator(err, "generating VM id"))
			return
		}
		id = generated.String()
	}

	vm := model.VM{ID: id, TemplateName: req.TemplateName, State: model.VMStopped}
	if err := h.deps.Store.CreateVM(vm); err != nil {
		if isUniqueViolation(err) {
			writeError(w, apierr.Conflict("VM %q already exists", id))
			return
		}
		writeError(w, apierr.Operator(err, "creating VM %q", id))
		return
	}

	writeJSON(w, http.StatusCreated, vm)
}

func (h *handlers) listVMs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	vms, err := h.deps.Store.ListVMs(state)
	if err != nil {
		writeError(w, apierr.Operator(err, "listing VMs"))
		return
	}
	if vms == nil {
		vms = []model.VM{}
	}
	writeJSON(w, http.StatusOK, vms)
}

func (h *handlers) getVM(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	vm, err := h.deps.Store.GetVM(id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("VM %q not found", id))
			return
		}
		writeError(w, apierr.Operator(err, "looking up VM %q", id))
		return
	}

	writeJSON(w, http.StatusOK, vm)
}

// deleteVM force-stops the guest, then resets referencing Disks and
// removes the VM row in one transaction.
func (h *handlers) deleteVM(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.deps.Store.GetVM(id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("VM %q not found", id))
			return
		}
		writeError(w, apierr.Operator(err, "looking up VM %q", id))
		return
	}

	// A force-stop failure (stale process, QMP error) is logged, not
	// propagated: the VM is deleted from inventory regardless of whether
	// the underlying process actually went away.
	if err := h.deps.Operator.StopVM(id, true); err != nil {
		vlog.Warn("httpapi: force-stopping VM %q before delete: %v", id, err)
	}

	if err := h.deps.Store.DeleteVMCascade(id); err != nil {
		writeError(w, apierr.Operator(err, "deleting VM %q", id))
		return
	}

	writeJSON(w, http.StatusNoContent, nil)
}

const (
	actionStart   = "start"
	actionStop    = "stop"
	actionRestart = "restart"
)

// vmAction implements POST /vms/{id}/actions/{start|stop|restart}.
func (h *handlers) vmAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	action := strings.ToLower(vars["action"])

	vm, err := h.deps.Store.GetVM(id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("VM %q not found", id))
			return
		}
		writeError(w, apierr.Operator(err, "looking up VM %q", id))
		return
	}

	switch action {
	case actionStart:
		h.doStart(w, vm)
	case actionStop:
		h.doStop(w, vm)
	case actionRestart:
		h.doRestart(w, vm)
	default:
		writeError(w, apierr.Conflict("unknown action %q", action))
	}
}

func (h *handlers) doStart(w http.ResponseWriter, vm model.VM) {
	if vm.State == model.VMRunning {
		writeError(w, apierr.Conflict("VM %q is already running", vm.ID))
		return
	}

	template, err := h.deps.Store.GetTemplate(vm.TemplateName)
	if err != nil {
		writeError(w, apierr.Operator(err, "looking up template for VM %q", vm.ID))
		return
	}

	result, err := h.deps.Operator.StartVM(vm.ID, "", template.CPUCount, template.RAMGB)
	if err != nil {
		vm.State = model.VMError
		h.deps.Store.UpdateVM(vm)
		writeError(w, apierr.Operator(err, "starting VM %q", vm.ID))
		return
	}

	vm.State = model.VMRunning
	if result.LocalIP != "" {
		ip := result.LocalIP
		vm.LocalIP = &ip
	}
	if err := h.deps.Store.UpdateVM(vm); err != nil {
		writeError(w, apierr.Operator(err, "persisting VM %q state", vm.ID))
		return
	}

	writeJSON(w, http.StatusAccepted, vm)
}

func (h *handlers) doStop(w http.ResponseWriter, vm model.VM) {
	if vm.State != model.VMRunning {
		writeError(w, apierr.Conflict("VM %q is not running", vm.ID))
		return
	}

	if err := h.deps.Operator.StopVM(vm.ID, false); err != nil {
		writeError(w, apierr.Operator(err, "stopping VM %q", vm.ID))
		return
	}

	vm.State = model.VMStopped
	vm.LocalIP = nil
	if err := h.deps.Store.UpdateVM(vm); err != nil {
		writeError(w, apierr.Operator(err, "persisting VM %q state", vm.ID))
		return
	}

	writeJSON(w, http.StatusAccepted, vm)
}

func (h *handlers) doRestart(w http.ResponseWriter, vm model.VM) {
	if vm.State == model.VMRunning {
		if err := h.deps.Operator.StopVM(vm.ID, false); err != nil {
			vm.State = model.VMError
			h.deps.Store.UpdateVM(vm)
			writeError(w, apierr.Operator(err, "stopping VM %q during restart", vm.ID))
			return
		}
		vm.State = model.VMStopped
		vm.LocalIP = nil
	}

	h.doStart(w, vm)
}
