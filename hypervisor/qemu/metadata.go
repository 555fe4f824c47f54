package qemu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/checkpoint"
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/utils"
)

const metadataExt = ".xml"

func (d *Driver) checkpointFile(obj *domainObj, name string) string {
	return filepath.Join(d.conf.CheckpointDir(obj.name), name+metadataExt)
}

// loadCheckpoints rebuilds the checkpoint set of obj from its metadata
// directory. Unreadable files are skipped; broken relations are repaired
// and logged.
func (d *Driver) loadCheckpoints(ctx context.Context, obj *domainObj) error {
	logger := log.WithFunc("qemu.loadCheckpoints")
	dir := d.conf.CheckpointDir(obj.name)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint dir %s: %w", dir, err)
	}

	set := moment.NewSet()
	var current []*moment.Obj
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metadataExt) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			logger.Warnf(ctx, "read %s: %v", path, err)
			continue
		}
		def, err := checkpoint.Parse(data, checkpoint.ParseRedefine|checkpoint.ParseDisks|checkpoint.ParseInternal)
		if err != nil {
			logger.Warnf(ctx, "failed to parse checkpoint XML from file '%s': %v", path, err)
			continue
		}
		o, err := set.Assign(def)
		if err != nil {
			logger.Warnf(ctx, "load checkpoint %s: %v", def.Name, err)
			continue
		}
		if def.Current {
			current = append(current, o)
		}
	}

	if len(current) > 1 {
		names := make([]string, 0, len(current))
		for _, o := range current {
			names = append(names, o.Name())
		}
		slices.Sort(names)
		logger.Warnf(ctx, "too many current checkpoints for %s: %s", obj.name, strings.Join(names, ", "))
	}
	if len(current) > 0 {
		set.SetCurrent(current[0])
	}
	if err := set.UpdateRelations(ctx); err != nil {
		logger.Warnf(ctx, "checkpoints of %s: %v", obj.name, err)
	}
	obj.checkpoints = set
	return nil
}

// saveCheckpoint writes the metadata file of o.
func (d *Driver) saveCheckpoint(obj *domainObj, o *moment.Obj) error {
	def := checkpoint.FromObj(o)
	def.Current = obj.checkpoints.IsCurrent(o)
	data, err := checkpoint.Format(def, 0, true)
	if err != nil {
		return err
	}
	return utils.AtomicWriteFile(d.checkpointFile(obj, def.Name), data, 0o600) //nolint:mnd
}

func (d *Driver) removeCheckpointFile(obj *domainObj, name string) error {
	if err := os.Remove(d.checkpointFile(obj, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint metadata %s: %w", name, err)
	}
	return nil
}
