// Package model defines the inventory entities: Template, VM, Disk, and
// VMMetadata.
package model

import "time"

// VMState is one of the states a VM can be in.
type VMState string

const (
	VMStopped VMState = "stopped"
	VMRunning VMState = "running"
	VMPaused  VMState = "paused"
	VMError   VMState = "error"
)

// DiskState is one of the states a Disk can be in.
type DiskState string

const (
	DiskAvailable DiskState = "available"
	DiskAttached  DiskState = "attached"
)

// Template is a named VM shape: CPU count and RAM size.
type Template struct {
	Name     string `json:"name"`
	CPUCount int    `json:"cpu_count"`
	RAMGB    int    `json:"ram_gb"`
}

// VM is a single guest, addressed by a client-supplied or server-generated
// ID, referencing a Template by name.
type VM struct {
	ID           string  `json:"id"`
	TemplateName string  `json:"template_name"`
	State        VMState `json:"state"`
	LocalIP      *string `json:"local_ip,omitempty"`
}

// Disk is a detachable qcow2 volume, optionally attached to a VM.
type Disk struct {
	ID         string    `json:"id"`
	SizeGB     int       `json:"size_gb"`
	MountPoint *string   `json:"mount_point,omitempty"`
	State      DiskState `json:"state"`
	VMID       *string   `json:"vm_id,omitempty"`
}

// VMMetadata is the per-VM cloud-init payload, one-to-one with a VM.
type VMMetadata struct {
	VMID      string    `json:"vm_id"`
	Hostname  string    `json:"hostname,omitempty"`
	UserData  string    `json:"user_data,omitempty"`
	SSHKeys   string    `json:"ssh_keys,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultMountPoint is used by attach when the caller and the Disk both omit
// a mount point.
const DefaultMountPoint = "/dev/xvdb"
