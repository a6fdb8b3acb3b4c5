package model

import "testing"

func TestVMStateConstants(t *testing.T) {
	states := []VMState{VMStopped, VMRunning, VMPaused, VMError}
	seen := map[VMState]bool{}
	for _, s := range states {
		if seen[s] {
			t.Fatalf("duplicate VM state constant %q", s)
		}
		seen[s] = true
	}
}

func TestDiskStateInvariantShape(t *testing.T) {
	vmID := "vm-1"
	mount := "/dev/xvdb"

	attached := Disk{ID: "d1", SizeGB: 10, State: DiskAttached, VMID: &vmID, MountPoint: &mount}
	if attached.State == DiskAttached && attached.VMID == nil {
		t.Fatal("attached disk must carry a vm_id")
	}

	available := Disk{ID: "d2", SizeGB: 10, State: DiskAvailable}
	if available.State == DiskAvailable && available.VMID != nil {
		t.Fatal("available disk must not carry a vm_id")
	}
}

func TestDefaultMountPoint(t *testing.T) {
	if DefaultMountPoint != "/dev/xvdb" {
		t.Fatalf("DefaultMountPoint = %q, want /dev/xvdb", DefaultMountPoint)
	}
}
