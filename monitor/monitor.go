// Package monitor is the engine's view of a running hypervisor process:
// batched bitmap and block job directives, block node queries, store
// attachment, the NBD export server and block job events.
package monitor

import (
	"context"
	"errors"

	"github.com/cocoonstack/vmbackup/types"
)

// ErrClosed is returned once the monitor connection is gone.
var ErrClosed = errors.New("monitor closed")

// Monitor talks to one hypervisor process. Calls on one Monitor are
// serialized by the implementation; none of them time out.
type Monitor interface {
	// Transaction submits actions atomically: all take effect or none do.
	Transaction(ctx context.Context, actions *Actions) error
	QueryBlock(ctx context.Context) ([]BlockInfo, error)
	QueryNamedNodes(ctx context.Context) (map[string]*NodeInfo, error)

	// AttachStore opens spec.Source as a new format node named spec.Node.
	AttachStore(ctx context.Context, spec StoreSpec) error
	DetachStore(ctx context.Context, node string) error
	RemoveBitmap(ctx context.Context, node, bitmap string) error

	StartExportServer(ctx context.Context, srv ExportServer) error
	AddExport(ctx context.Context, node, name string, writable bool, bitmap string) error
	StopExportServer(ctx context.Context) error

	CancelJob(ctx context.Context, job string) error
	Capabilities(ctx context.Context) (Capabilities, error)
	// Events streams block job conclusions until ctx is done or the
	// connection drops.
	Events(ctx context.Context) (<-chan JobEvent, error)
	Close() error
}

// Capabilities the hypervisor advertises.
type Capabilities struct {
	// IncrementalBackup covers bitmap merge, blockdev backup and NBD
	// bitmap export.
	IncrementalBackup bool
}

// BlockInfo is one attached drive.
type BlockInfo struct {
	Device   string
	NodeName string
	File     string
}

// BitmapInfo describes one dirty bitmap of a node.
type BitmapInfo struct {
	Name       string
	Count      uint64
	Recording  bool
	Persistent bool
}

// NodeInfo describes one named block node.
type NodeInfo struct {
	Name     string
	Capacity uint64
	Bitmaps  []BitmapInfo
}

// Bitmap returns the named bitmap of the node, or nil.
func (n *NodeInfo) Bitmap(name string) *BitmapInfo {
	for i := range n.Bitmaps {
		if n.Bitmaps[i].Name == name {
			return &n.Bitmaps[i]
		}
	}
	return nil
}

// StoreSpec asks for an image to be opened as a block node.
type StoreSpec struct {
	Node   string
	Source *types.StorageSource
}

// ExportServer is the NBD listen address.
type ExportServer struct {
	Transport string
	Host      string
	Port      uint
	Socket    string
}

// JobStatus is how a block job concluded.
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobEvent reports the conclusion of one block job.
type JobEvent struct {
	Job    string
	Status JobStatus
	Error  string
}
