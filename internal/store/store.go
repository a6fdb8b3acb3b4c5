// Package store implements the inventory: transactional persistence of
// Templates, VMs, Disks, and per-VM metadata over database/sql and
// github.com/mattn/go-sqlite3.
package store

import (
	"database/sql"
	"fmt"

	"github.com/blawesom/vm-manager/internal/model"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = fmt.Errorf("not found")

// Store is the Inventory Store's public surface. Every method is
// transactional end-to-end: either the write lands in full or it doesn't
// land at all.
type Store interface {
	Init(...Option) error
	Close() error

	CreateTemplate(t model.Template) error
	GetTemplate(name string) (model.Template, error)
	ListTemplates() ([]model.Template, error)
	DeleteTemplate(name string) error

	CreateVM(v model.VM) error
	GetVM(id string) (model.VM, error)
	ListVMs(state string) ([]model.VM, error)
	UpdateVM(v model.VM) error
	// DeleteVMCascade removes the VM row and, in the same transaction,
	// resets every Disk referencing it to {available, nil, nil} and
	// deletes its VMMetadata row. It does not stop the VM or touch the
	// filesystem; callers force-stop before calling this.
	DeleteVMCascade(id string) error

	CreateDisk(d model.Disk) error
	GetDisk(id string) (model.Disk, error)
	ListDisks() ([]model.Disk, error)
	UpdateDisk(d model.Disk) error
	DeleteDisk(id string) error

	GetMetadata(vmID string) (model.VMMetadata, error)
	// UpsertMetadataPartial updates only the fields present in fields
	// (keys: hostname, user_data, ssh_keys), creating the row if absent.
	UpsertMetadataPartial(vmID string, fields map[string]string) error
	// ClearMetadata blanks out stored fields without deleting the VM row.
	ClearMetadata(vmID string) error

	// DB exposes the underlying connection for health checks.
	DB() *sql.DB
}

func New() Store {
	return &sqliteStore{}
}
