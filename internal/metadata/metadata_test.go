package metadata

import (
	"encoding/base64"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/blawesom/vm-manager/internal/model"
	"github.com/blawesom/vm-manager/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()

	st := store.New()
	if err := st.Init(store.Path(":memory:")); err != nil {
		t.Fatalf("store Init: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := New(st, t.TempDir(), "169.254.169.254:80")
	return svc, st
}

func get(t *testing.T, svc *Service, remoteAddr, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = remoteAddr + ":12345"
	rec := httptest.NewRecorder()
	svc.handle(rec, req)
	return rec
}

func TestUserDataRoundTripsBySourceIP(t *testing.T) {
	svc, st := newTestService(t)

	ip := "192.168.100.10"
	if err := st.CreateTemplate(model.Template{Name: "small", CPUCount: 1, RAMGB: 1}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if err := st.CreateVM(model.VM{ID: "v1", TemplateName: "small", State: model.VMRunning, LocalIP: &ip}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	userData := "#!/bin/sh\necho hi"
	if err := st.UpsertMetadataPartial("v1", map[string]string{"user_data": userData}); err != nil {
		t.Fatalf("UpsertMetadataPartial: %v", err)
	}

	rec := get(t, svc, ip, "/latest/user-data")
	if rec.Code != 200 {
		t.Fatalf("GET /latest/user-data = %d, body=%s", rec.Code, rec.Body.String())
	}

	decoded, err := base64.StdEncoding.DecodeString(rec.Body.String())
	if err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	if string(decoded) != userData {
		t.Fatalf("round-tripped user_data = %q, want %q", decoded, userData)
	}
}

func TestInstanceIDAndHostnameFallback(t *testing.T) {
	svc, st := newTestService(t)

	ip := "192.168.100.11"
	st.CreateTemplate(model.Template{Name: "small", CPUCount: 1, RAMGB: 1})
	st.CreateVM(model.VM{ID: "v2", TemplateName: "small", State: model.VMRunning, LocalIP: &ip})

	rec := get(t, svc, ip, "/latest/meta-data/instance-id")
	if rec.Body.String() != "v2" {
		t.Fatalf("instance-id = %q, want v2", rec.Body.String())
	}

	// No hostname metadata stored: falls back to the VM id verbatim.
	rec = get(t, svc, ip, "/latest/meta-data/hostname")
	if rec.Body.String() != "v2" {
		t.Fatalf("hostname fallback = %q, want v2", rec.Body.String())
	}

	st.UpsertMetadataPartial("v2", map[string]string{"hostname": "box2"})
	rec = get(t, svc, ip, "/latest/meta-data/hostname")
	if rec.Body.String() != "box2" {
		t.Fatalf("hostname = %q, want box2", rec.Body.String())
	}
}

func TestUnresolvedGuestGets404(t *testing.T) {
	svc, _ := newTestService(t)

	rec := get(t, svc, "10.0.0.99", "/latest/meta-data/instance-id")
	if rec.Code != 404 {
		t.Fatalf("unresolved guest = %d, want 404", rec.Code)
	}
}

func TestMACPathResolution(t *testing.T) {
	svc, st := newTestService(t)

	st.CreateTemplate(model.Template{Name: "small", CPUCount: 1, RAMGB: 1})
	ip := "192.168.100.12"
	st.CreateVM(model.VM{ID: "v3", TemplateName: "small", State: model.VMRunning, LocalIP: &ip})

	mac := "52:54:aa:bb:cc:00"
	if err := mkMACFile(t, svc, "v3", mac); err != nil {
		t.Fatalf("writing mac.txt: %v", err)
	}

	// A request from an unrelated source IP must still resolve via the
	// MAC embedded in the path.
	path := "/latest/meta-data/network/interfaces/macs/" + mac + "/local-ipv4"
	rec := get(t, svc, "10.0.0.50", path)
	if rec.Code != 200 {
		t.Fatalf("mac-path resolution = %d, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != ip {
		t.Fatalf("local-ipv4 via mac path = %q, want %q", rec.Body.String(), ip)
	}
}

func mkMACFile(t *testing.T, svc *Service, vmID, mac string) error {
	t.Helper()
	dir := filepath.Join(svc.storageRoot, "vms", vmID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "mac.txt"), []byte(mac), 0o644)
}
