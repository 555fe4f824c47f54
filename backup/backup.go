// Package backup defines backup jobs: their document form, id and export
// server defaults, and how requested disks map onto a domain.
package backup

import (
	"github.com/cocoonstack/vmbackup/types"
)

// Mode is how data leaves the hypervisor.
type Mode string

const (
	// ModePush has the hypervisor write each disk to a target image.
	ModePush Mode = "push"
	// ModePull exports each disk over NBD backed by a scratch image.
	ModePull Mode = "pull"
)

// Transport of the pull-mode export server.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportUnix Transport = "unix"
	TransportRDMA Transport = "rdma"
)

// DefaultServerName is the listen host of a pull backup that names none.
const DefaultServerName = "localhost"

// Server is the pull-mode export endpoint.
type Server struct {
	Transport Transport
	Name      string
	Port      uint
	Socket    string
}

// DiskState is the per-disk progress of a running backup.
type DiskState string

const (
	DiskNew        DiskState = "none"
	DiskPrepared   DiskState = "prepared"
	DiskSubmitted  DiskState = "submitted"
	DiskRunning    DiskState = "running"
	DiskComplete   DiskState = "complete"
	DiskFailed     DiskState = "failed"
	DiskCancelling DiskState = "cancelling"
	DiskCancelled  DiskState = "cancelled"
)

// Terminal reports whether no further event is expected for the disk.
func (s DiskState) Terminal() bool {
	return s == DiskComplete || s == DiskFailed || s == DiskCancelled
}

func parseDiskState(s string) (DiskState, bool) {
	switch st := DiskState(s); st {
	case DiskNew, DiskPrepared, DiskSubmitted, DiskRunning,
		DiskComplete, DiskFailed, DiskCancelling, DiskCancelled:
		return st, true
	default:
		return "", false
	}
}

// Disk is one disk of a backup. A nil Store leaves the disk out.
type Disk struct {
	Name  string
	Index int
	Store *types.StorageSource
	State DiskState
}

// Def is a backup job definition. It is never part of a moment set.
type Def struct {
	Mode        Mode
	ID          int
	Incremental string
	Server      *Server
	Disks       []Disk
}

// DiskByName returns the backup disk for a target, or nil.
func (d *Def) DiskByName(name string) *Disk {
	for i := range d.Disks {
		if d.Disks[i].Name == name {
			return &d.Disks[i]
		}
	}
	return nil
}

// Selected returns the disks that carry a store.
func (d *Def) Selected() []*Disk {
	var out []*Disk
	for i := range d.Disks {
		if d.Disks[i].Store != nil {
			out = append(out, &d.Disks[i])
		}
	}
	return out
}

// Prepare assigns the job id and fills export server defaults.
func Prepare(def *Def, id int) error {
	def.ID = id
	if def.Mode != ModePull {
		return nil
	}
	if def.Server == nil {
		def.Server = &Server{Transport: TransportTCP, Name: DefaultServerName}
	}
	switch def.Server.Transport {
	case TransportTCP:
		// TODO: allocate a free port instead of requiring one once the
		// daemon tracks port reservations.
		if def.Server.Port == 0 {
			return types.Errorf(types.CodeOperationUnsupported, "<domainbackup> must specify TCP port for now")
		}
	case TransportUnix:
	default:
		return types.Errorf(types.CodeInternal, "unexpected transport in <domainbackup>")
	}
	return nil
}
