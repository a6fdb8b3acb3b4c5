package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/blawesom/vm-manager/internal/apierr"
	"github.com/blawesom/vm-manager/internal/store"
)

// getMetadata implements GET /vms/{id}/metadata.
func (h *handlers) getMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.deps.Store.GetVM(id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("VM %q not found", id))
			return
		}
		writeError(w, apierr.Operator(err, "looking up VM %q", id))
		return
	}

	md, err := h.deps.Store.GetMetadata(id)
	if err != nil && err != store.ErrNotFound {
		writeError(w, apierr.Operator(err, "looking up metadata for VM %q", id))
		return
	}

	writeJSON(w, http.StatusOK, md)
}

type putMetadataRequest struct {
	Hostname *string `json:"hostname"`
	UserData *string `json:"user_data"`
	SSHKeys  *string `json:"ssh_keys"`
}

// putMetadata implements PUT /vms/{id}/metadata: an upsert-partial write
// where only the provided fields change.
func (h *handlers) putMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.deps.Store.GetVM(id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("VM %q not found", id))
			return
		}
		writeError(w, apierr.Operator(err, "looking up VM %q", id))
		return
	}

	var req putMetadataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}

	fields := map[string]string{}
	if req.Hostname != nil {
		fields["hostname"] = *req.Hostname
	}
	if req.UserData != nil {
		fields["user_data"] = *req.UserData
	}
	if req.SSHKeys != nil {
		fields["ssh_keys"] = *req.SSHKeys
	}

	if err := h.deps.Store.UpsertMetadataPartial(id, fields); err != nil {
		writeError(w, apierr.Operator(err, "updating metadata for VM %q", id))
		return
	}

	md, err := h.deps.Store.GetMetadata(id)
	if err != nil {
		writeError(w, apierr.Operator(err, "reloading metadata for VM %q", id))
		return
	}

	writeJSON(w, http.StatusOK, md)
}

// deleteMetadata implements DELETE /vms/{id}/metadata: clears stored
// fields without deleting the VM.
func (h *handlers) deleteMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.deps.Store.GetVM(id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("VM %q not found", id))
			return
		}
		writeError(w, apierr.Operator(err, "looking up VM %q", id))
		return
	}

	if err := h.deps.Store.ClearMetadata(id); err != nil {
		writeError(w, apierr.Operator(err, "clearing metadata for VM %q", id))
		return
	}

	writeJSON(w, http.StatusNoContent, nil)
}
