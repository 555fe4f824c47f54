// Package storagefile creates, formats and removes the local images a
// backup writes to.
package storagefile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/types"
)

// Provisioner manages backup images on the host.
type Provisioner interface {
	Exists(src *types.StorageSource) (bool, error)
	// Create makes an empty file and fails if one already exists.
	Create(src *types.StorageSource) error
	// Format writes an empty image of src.Format sized to capacity bytes.
	Format(ctx context.Context, src *types.StorageSource, capacity uint64) error
	Unlink(src *types.StorageSource) error
}

var _ Provisioner = (*Local)(nil)

// Local provisions images with the local filesystem and qemu-img.
type Local struct {
	qemuImg string
}

// NewLocal returns a provisioner running the given qemu-img binary.
func NewLocal(qemuImg string) *Local {
	return &Local{qemuImg: qemuImg}
}

// Exists implements Provisioner.
func (l *Local) Exists(src *types.StorageSource) (bool, error) {
	_, err := os.Stat(src.Path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, types.Wrap(types.CodeSystem, err, "unable to stat '%s'", src.Path)
	}
}

// Create implements Provisioner.
func (l *Local) Create(src *types.StorageSource) error {
	f, err := os.OpenFile(src.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:mnd
	if err != nil {
		return types.Wrap(types.CodeSystem, err, "failed to create image file '%s'", src.Path)
	}
	return f.Close()
}

// Format implements Provisioner.
func (l *Local) Format(ctx context.Context, src *types.StorageSource, capacity uint64) error {
	format := src.Format
	if format == "" {
		format = types.FormatQcow2
	}
	args := []string{"create", "-q", "-f", format, src.Path, strconv.FormatUint(capacity, 10)}
	log.WithFunc("storagefile.Format").Debugf(ctx, "%s %v", l.qemuImg, args)
	if out, err := exec.CommandContext(ctx, l.qemuImg, args...).CombinedOutput(); err != nil { //nolint:gosec
		return types.Wrap(types.CodeSystem, fmt.Errorf("%w (output: %s)", err, out), "format %s as %s", src.Path, format)
	}
	return nil
}

// Unlink implements Provisioner. A missing file is not an error.
func (l *Local) Unlink(src *types.StorageSource) error {
	if err := os.Remove(src.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return types.Wrap(types.CodeSystem, err, "unable to remove '%s'", src.Path)
	}
	return nil
}
