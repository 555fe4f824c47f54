package hypervisor

import (
	"context"
	"errors"

	"github.com/cocoonstack/vmbackup/checkpoint"
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/types"
)

var (
	ErrNotFound   = errors.New("domain not found")
	ErrNotRunning = errors.New("domain not running")
)

// Hypervisor is the backup and checkpoint engine for one hypervisor
// family. Implemented by each backend.
type Hypervisor interface {
	Type() string

	Define(ctx context.Context, dom *types.Domain, qmpSocket string) (*types.DomainInfo, error)
	Undefine(ctx context.Context, refs []string) ([]string, error)
	Inspect(ctx context.Context, ref string) (*types.DomainInfo, error)
	List(ctx context.Context) ([]*types.DomainInfo, error)

	BackupBegin(ctx context.Context, ref, backupXML, checkpointXML string) (int, error)
	BackupEnd(ctx context.Context, ref string, id int) error
	BackupGetXMLDesc(ctx context.Context, ref string, id int) (string, error)

	CheckpointCreate(ctx context.Context, ref, xml string, redefine bool) (string, error)
	CheckpointDelete(ctx context.Context, ref, name string, flags checkpoint.DeleteFlags) error
	CheckpointList(ctx context.Context, ref, from string, filter moment.Filter) ([]string, error)
	CheckpointGetXMLDesc(ctx context.Context, ref, name string, flags checkpoint.FormatFlags) (string, error)
	CheckpointParent(ctx context.Context, ref, name string) (string, error)

	Close() error
}
