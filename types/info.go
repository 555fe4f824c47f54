package types

import "time"

// DomainState is whether a domain's hypervisor process is reachable.
type DomainState string

const (
	DomainRunning DomainState = "running" // monitor socket answers
	DomainShutoff DomainState = "shutoff" // no monitor; only metadata operations work
)

// DomainInfo is the inspect/list view of a defined domain.
type DomainInfo struct {
	Name      string      `json:"name"`
	UUID      string      `json:"uuid"`
	Type      string      `json:"type,omitempty"`
	State     DomainState `json:"state"`
	QMPSocket string      `json:"qmp_socket"`
	Disks     []*Disk     `json:"disks"`

	CurrentCheckpoint string      `json:"current_checkpoint,omitempty"`
	Checkpoints       int         `json:"checkpoints"`
	Backup            *BackupInfo `json:"backup,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BackupInfo summarizes the active backup of a domain.
type BackupInfo struct {
	ID          int              `json:"id"`
	Mode        string           `json:"mode"`
	Incremental string           `json:"incremental,omitempty"`
	Disks       []BackupDiskInfo `json:"disks"`
}

// BackupDiskInfo is the progress of one disk of the active backup.
type BackupDiskInfo struct {
	Name  string `json:"name"`
	Store string `json:"store"`
	State string `json:"state"`
}
