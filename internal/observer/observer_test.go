package observer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blawesom/vm-manager/internal/model"
	"github.com/blawesom/vm-manager/internal/operator"
	"github.com/blawesom/vm-manager/internal/store"
)

func newTestObserver(t *testing.T) (*Observer, store.Store) {
	t.Helper()
	ob, st, _ := newTestObserverWithOperator(t)
	return ob, st
}

func newTestObserverWithOperator(t *testing.T) (*Observer, store.Store, *operator.Operator) {
	t.Helper()

	st := store.New()
	if err := st.Init(store.Path(":memory:")); err != nil {
		t.Fatalf("store Init: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	op, err := operator.New(operator.Config{StorageRoot: t.TempDir(), DryRun: true}, nil)
	if err != nil {
		t.Fatalf("operator.New: %v", err)
	}

	return New(st, op, time.Second), st, op
}

func TestPassFlagsRunningVMWithNoPIDFile(t *testing.T) {
	ob, st := newTestObserver(t)

	if err := st.CreateTemplate(model.Template{Name: "small", CPUCount: 1, RAMGB: 1}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if err := st.CreateVM(model.VM{ID: "v1", TemplateName: "small", State: model.VMRunning}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	ob.pass()

	issues := ob.LastIssues()
	if len(issues) != 1 {
		t.Fatalf("LastIssues = %+v, want exactly one vm_state_mismatch", issues)
	}
	if issues[0].Type != IssueVMStateMismatch || issues[0].ResourceID != "v1" {
		t.Fatalf("LastIssues[0] = %+v, want vm_state_mismatch for v1", issues[0])
	}
}

func TestPassIsMonotonicOnUnchangedInventory(t *testing.T) {
	ob, st := newTestObserver(t)

	if err := st.CreateTemplate(model.Template{Name: "small", CPUCount: 1, RAMGB: 1}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if err := st.CreateVM(model.VM{ID: "v1", TemplateName: "small", State: model.VMStopped}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	ob.pass()
	first := ob.LastIssues()

	ob.pass()
	second := ob.LastIssues()

	if len(first) != len(second) {
		t.Fatalf("successive passes over an unchanged inventory diverged: %+v vs %+v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("successive passes over an unchanged inventory diverged at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestPassFlagsDiskStateInconsistencyAndMissingImage(t *testing.T) {
	ob, st := newTestObserver(t)

	if err := st.CreateTemplate(model.Template{Name: "small", CPUCount: 1, RAMGB: 1}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if err := st.CreateVM(model.VM{ID: "v1", TemplateName: "small", State: model.VMStopped}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	// attached=true but no vm_id: an inconsistency, and the backing image
	// is absent on disk too.
	if err := st.CreateDisk(model.Disk{ID: "d1", SizeGB: 5, State: model.DiskAttached}); err != nil {
		t.Fatalf("CreateDisk: %v", err)
	}

	ob.pass()
	issues := ob.LastIssues()

	var sawInconsistent, sawMissing bool
	for _, iss := range issues {
		if iss.ResourceID != "d1" {
			continue
		}
		switch iss.Type {
		case IssueDiskStateInconsistent:
			sawInconsistent = true
		case IssueMissingDisk:
			sawMissing = true
		}
	}

	if !sawInconsistent {
		t.Errorf("expected a disk_state_inconsistent issue for d1, got %+v", issues)
	}
	if !sawMissing {
		t.Errorf("expected a missing_disk issue for d1, got %+v", issues)
	}
}

func TestIntervalAccessor(t *testing.T) {
	ob, _ := newTestObserver(t)
	if ob.Interval() != time.Second {
		t.Fatalf("Interval() = %v, want 1s", ob.Interval())
	}
}

func TestPassTruncatesOversizedConsoleLogs(t *testing.T) {
	ob, st, op := newTestObserverWithOperator(t)

	if err := st.CreateTemplate(model.Template{Name: "small", CPUCount: 1, RAMGB: 1}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if err := st.CreateVM(model.VM{ID: "v1", TemplateName: "small", State: model.VMStopped}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	vmDir := filepath.Join(op.StorageRoot(), "vms", "v1")
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		t.Fatalf("creating VM dir: %v", err)
	}

	oversized := make([]byte, 60*1024)
	for i := range oversized {
		oversized[i] = 'a'
	}
	consolePath := filepath.Join(vmDir, "console.txt")
	if err := os.WriteFile(consolePath, oversized, 0o644); err != nil {
		t.Fatalf("writing console log: %v", err)
	}

	ob.pass()

	info, err := os.Stat(consolePath)
	if err != nil {
		t.Fatalf("stat console log after pass: %v", err)
	}
	if info.Size() > 50*1024 {
		t.Fatalf("console log size after pass = %d, want <= 50 KiB (reconciliation should bound it)", info.Size())
	}
	if info.Size() == int64(len(oversized)) {
		t.Fatal("console log was not truncated at all during pass()")
	}
}
