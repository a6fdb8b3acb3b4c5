// Status endpoints: GET /health, GET /observer/status, and
// GET /network/config. These are read-only views over the process-wide
// singletons reachable through the dependency carrier.

package httpapi

import (
	"net"
	"net/http"
	"os"

	"github.com/blawesom/vm-manager/internal/vlog"
)

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks"`
}

// health implements GET /health: each of database, storage, qemu,
// qemu-img, and observer is probed independently; any failure yields an
// overall 503 while still reporting every check's individual result.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ok := true

	if err := h.deps.Store.DB().Ping(); err != nil {
		checks["database"] = "error: " + err.Error()
		ok = false
	} else {
		checks["database"] = "ok"
	}

	if err := checkStorageWritable(h.deps.StorageRoot); err != nil {
		checks["storage"] = "error: " + err.Error()
		ok = false
	} else {
		checks["storage"] = "ok"
	}

	if h.deps.Operator.DryRun() {
		checks["qemu"] = "ok (dry-run)"
		checks["qemu-img"] = "ok (dry-run)"
	} else {
		if h.deps.Operator.QEMUPath() == "" {
			checks["qemu"] = "error: no qemu binary located"
			ok = false
		} else {
			checks["qemu"] = "ok"
		}
		if err := h.deps.Operator.CheckQEMUImg(); err != nil {
			checks["qemu-img"] = "error: " + err.Error()
			ok = false
		} else {
			checks["qemu-img"] = "ok"
		}
	}

	if h.deps.Observer != nil {
		checks["observer"] = "ok"
	} else {
		checks["observer"] = "error: not running"
		ok = false
	}

	status := "ok"
	code := http.StatusOK
	if !ok {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{Status: status, Service: "vman", Checks: checks})
}

func checkStorageWritable(root string) error {
	probe := root + "/.vman-health-probe"
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

type observerStatusResponse struct {
	Running     bool        `json:"running"`
	IntervalSec float64     `json:"interval_seconds"`
	LastIssues  []issueJSON `json:"last_issues"`
}

type issueJSON struct {
	IssueType  string `json:"issue_type"`
	ResourceID string `json:"resource_id"`
	Details    string `json:"details"`
}

// observerStatus implements GET /observer/status.
func (h *handlers) observerStatus(w http.ResponseWriter, r *http.Request) {
	issues := h.deps.Observer.LastIssues()
	out := make([]issueJSON, 0, len(issues))
	for _, iss := range issues {
		out = append(out, issueJSON{IssueType: iss.Type, ResourceID: iss.ResourceID, Details: iss.Details})
	}

	writeJSON(w, http.StatusOK, observerStatusResponse{
		Running:     true,
		IntervalSec: h.deps.Observer.Interval().Seconds(),
		LastIssues:  out,
	})
}

type networkConfigResponse struct {
	VLANID       int      `json:"vlan_id"`
	Bridge       string   `json:"bridge_name"`
	Subnet       string   `json:"subnet"`
	Gateway      string   `json:"gateway"`
	DNS          []string `json:"dns"`
	AllocatedIPs []string `json:"allocated_ips"`
	Available    int      `json:"available"`
}

// networkConfig implements GET /network/config.
func (h *handlers) networkConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Net.Config()
	allocated := h.deps.Net.AllocatedIPs()

	available := 0
	if _, network, err := net.ParseCIDR(cfg.Subnet); err == nil {
		ones, bits := network.Mask.Size()
		total := 1 << uint(bits-ones)
		// Subtract the 3 reserved addresses (network, gateway, broadcast)
		// and whatever is currently allocated.
		available = total - 3 - len(allocated)
		if available < 0 {
			available = 0
		}
	} else {
		vlog.Warn("httpapi: parsing subnet %q for /network/config: %v", cfg.Subnet, err)
	}

	writeJSON(w, http.StatusOK, networkConfigResponse{
		VLANID:       cfg.VLANID,
		Bridge:       cfg.BridgeName,
		Subnet:       cfg.Subnet,
		Gateway:      cfg.Gateway,
		DNS:          cfg.DNS,
		AllocatedIPs: allocated,
		Available:    available,
	})
}
