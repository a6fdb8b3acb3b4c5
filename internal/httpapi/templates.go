package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/blawesom/vm-manager/internal/apierr"
	"github.com/blawesom/vm-manager/internal/model"
	"github.com/blawesom/vm-manager/internal/store"
)

type createTemplateRequest struct {
	Name      string `json:"name"`
	CPUCount  int    `json:"cpu_count"`
	RAMAmount int    `json:"ram_amount"`
}

func (h *handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apierr.Validation("malformed request body"))
		return
	}

	if strings.TrimSpace(req.Name) == "" || req.CPUCount < 1 || req.RAMAmount < 1 {
		writeError(w, apierr.Validation("name must be non-empty, cpu_count and ram_amount must be >= 1"))
		return
	}

	t := model.Template{Name: req.Name, CPUCount: req.CPUCount, RAMGB: req.RAMAmount}
	if err := h.deps.Store.CreateTemplate(t); err != nil {
		if isUniqueViolation(err) {
			writeError(w, apierr.Conflict("template %q already exists", req.Name))
			return
		}
		writeError(w, apierr.Operator(err, "creating template %q", req.Name))
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

func (h *handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.deps.Store.ListTemplates()
	if err != nil {
		writeError(w, apierr.Operator(err, "listing templates"))
		return
	}
	if templates == nil {
		templates = []model.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (h *handlers) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.deps.Store.DeleteTemplate(name); err != nil {
		if err == store.ErrNotFound {
			writeError(w, apierr.NotFound("template %q not found", name))
			return
		}
		writeError(w, apierr.Conflict("%v", err))
		return
	}

	writeJSON(w, http.StatusNoContent, nil)
}

// isUniqueViolation recognizes sqlite's "UNIQUE constraint failed"
// message; database/sql doesn't expose a portable sentinel for it.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
