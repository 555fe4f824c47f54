package qemu

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/checkpoint"
	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/types"
)

// CheckpointCreate creates a checkpoint on a running domain, or with
// redefine restores one from its document. It returns the name.
func (d *Driver) CheckpointCreate(ctx context.Context, ref, xml string, redefine bool) (string, error) {
	flags := checkpoint.ParseDisks
	if redefine {
		flags |= checkpoint.ParseRedefine
	}
	def, err := checkpoint.Parse([]byte(xml), flags)
	if err != nil {
		return "", err
	}

	obj, rec, release, err := d.acquire(ctx, ref)
	if err != nil {
		return "", err
	}
	defer release()

	if redefine {
		if err := d.redefineCheckpoint(ctx, obj, rec, def); err != nil {
			return "", err
		}
		return def.Name, nil
	}

	mon, err := d.monitorOf(ctx, obj, rec)
	if errors.Is(err, hypervisor.ErrNotRunning) {
		return "", types.Wrap(types.CodeOperationInvalid, err, "cannot create checkpoint for inactive domain")
	}
	if err != nil {
		return "", err
	}
	if err := requireIncremental(ctx, mon); err != nil {
		return "", err
	}
	live, err := d.liveDomain(ctx, mon, rec)
	if err != nil {
		return "", err
	}
	actions := monitor.NewActions()
	o, err := d.createCommon(obj, def, live, actions)
	if err != nil {
		return "", err
	}
	if err := mon.Transaction(ctx, actions); err != nil {
		obj.checkpoints.Remove(o, true)
		return "", err
	}
	if err := d.finalizeCheckpoint(ctx, obj, o, true, true); err != nil {
		return "", err
	}
	log.WithFunc("qemu.CheckpointCreate").Infof(ctx, "checkpoint %s of %s created", def.Name, rec.Name)
	return def.Name, nil
}

// createCommon validates def against the live domain, queues the bitmap
// directives and inserts def into the set. The caller either finalizes or
// rolls back the returned entry.
func (d *Driver) createCommon(obj *domainObj, def *checkpoint.Def, live *types.Domain, actions *monitor.Actions) (*moment.Obj, error) {
	set := obj.checkpoints
	if set.FindByName(def.Name) != nil {
		return nil, types.Errorf(types.CodeAlreadyExists, "checkpoint '%s' already exists", def.Name)
	}
	if err := checkpoint.PrepareCreate(set, def, live); err != nil {
		return nil, err
	}
	local := monitor.NewActions()
	for _, disk := range def.Disks {
		if disk.Type != checkpoint.TypeBitmap {
			continue
		}
		local.AddBitmap(disk.Node, disk.Bitmap, true, false)
		if parent, bitmap := checkpoint.ParentBitmap(set, def.Parent, disk.Name); parent != nil {
			local.DisableBitmap(disk.Node, bitmap)
		}
	}
	o, err := set.Assign(def)
	if err != nil {
		return nil, err
	}
	actions.List = append(actions.List, local.List...)
	return o, nil
}

// finalizeCheckpoint makes o current when asked, persists it and links it
// under its parent. A fresh entry is removed again when its metadata
// cannot be written.
func (d *Driver) finalizeCheckpoint(ctx context.Context, obj *domainObj, o *moment.Obj, updateCurrent, fresh bool) error {
	set := obj.checkpoints
	prev := set.Current()
	if updateCurrent {
		set.SetCurrent(o)
	}
	if err := d.saveCheckpoint(obj, o); err != nil {
		set.SetCurrent(prev)
		if fresh {
			set.Remove(o, true)
		}
		return types.Wrap(types.CodeSystem, err, "unable to save metadata for checkpoint %s", o.Name())
	}
	if updateCurrent && prev != nil && prev != o {
		if err := d.saveCheckpoint(obj, prev); err != nil {
			log.WithFunc("qemu.finalizeCheckpoint").Warnf(ctx, "update metadata of previous current %s: %v", prev.Name(), err)
		}
	}
	set.LinkParent(o)
	return nil
}

// rollbackCheckpoint forgets a checkpoint whose creation did not go
// through. Nothing was persisted for it yet.
func (d *Driver) rollbackCheckpoint(ctx context.Context, obj *domainObj, o *moment.Obj) {
	log.WithFunc("qemu.rollbackCheckpoint").Debugf(ctx, "drop checkpoint %s of %s", o.Name(), obj.name)
	obj.checkpoints.Remove(o, true)
}

func (d *Driver) redefineCheckpoint(ctx context.Context, obj *domainObj, rec *hypervisor.DomainRecord, def *checkpoint.Def) error {
	set := obj.checkpoints
	o, wasCurrent, err := checkpoint.RedefinePrep(ctx, set, &rec.Domain, def)
	if err != nil {
		return err
	}
	fresh := o == nil
	if fresh {
		if o, err = set.Assign(def); err != nil {
			return err
		}
	} else if wasCurrent {
		set.SetCurrent(o)
	}
	return d.finalizeCheckpoint(ctx, obj, o, true, fresh)
}

// CheckpointDelete removes a checkpoint, its descendants, or both. Unless
// metadata only is requested the bitmaps are merged into the parent's.
func (d *Driver) CheckpointDelete(ctx context.Context, ref, name string, flags checkpoint.DeleteFlags) error {
	obj, rec, release, err := d.acquire(ctx, ref)
	if err != nil {
		return err
	}
	defer release()

	set := obj.checkpoints
	o, err := findCheckpoint(set, name)
	if err != nil {
		return err
	}
	if obj.backup != nil {
		return types.Errorf(types.CodeOperationInvalid, "cannot delete checkpoint while a backup job is running")
	}

	dc := &discarder{d: d, obj: obj, metadataOnly: flags&checkpoint.DeleteMetadataOnly != 0}
	if !dc.metadataOnly {
		mon, err := d.monitorOf(ctx, obj, rec)
		if errors.Is(err, hypervisor.ErrNotRunning) {
			return types.Wrap(types.CodeOperationInvalid, err, "cannot delete checkpoint for inactive domain")
		}
		if err != nil {
			return err
		}
		if dc.live, err = d.liveDomain(ctx, mon, rec); err != nil {
			return err
		}
		dc.mon = mon
	}

	if flags&(checkpoint.DeleteChildren|checkpoint.DeleteChildrenOnly) != 0 {
		descendants := slices.Collect(set.Descendants(o))
		slices.Reverse(descendants)
		for _, c := range descendants {
			if err := dc.discard(ctx, c); err != nil {
				return err
			}
		}
		if flags&checkpoint.DeleteChildrenOnly != 0 {
			return nil
		}
	}
	return dc.discard(ctx, o)
}

// discarder removes checkpoints one at a time, always keeping the set,
// the metadata files and the bitmaps consistent with each other.
type discarder struct {
	d            *Driver
	obj          *domainObj
	mon          monitor.Monitor
	live         *types.Domain
	metadataOnly bool
}

func (dc *discarder) discard(ctx context.Context, o *moment.Obj) error {
	set := dc.obj.checkpoints
	if !dc.metadataOnly {
		if err := dc.discardBitmaps(ctx, o); err != nil {
			return err
		}
	}

	parent := set.Parent(o)
	for child := range set.Children(o) {
		set.SetParent(child, parent)
		if err := dc.d.saveCheckpoint(dc.obj, child); err != nil {
			return types.Wrap(types.CodeSystem, err, "failed to update metadata of checkpoint %s", child.Name())
		}
	}
	if set.IsCurrent(o) {
		set.SetCurrent(parent)
		if parent != nil {
			if err := dc.d.saveCheckpoint(dc.obj, parent); err != nil {
				return types.Wrap(types.CodeSystem, err, "failed to set parent checkpoint '%s' as current", parent.Name())
			}
		}
	}
	if err := dc.d.removeCheckpointFile(dc.obj, o.Name()); err != nil {
		log.WithFunc("qemu.CheckpointDelete").Warnf(ctx, "%v", err)
	}
	set.Remove(o, true)
	return nil
}

// discardBitmaps merges the bitmaps of o into the closest ancestor
// tracking the same disk and removes them, in one transaction.
func (dc *discarder) discardBitmaps(ctx context.Context, o *moment.Obj) error {
	logger := log.WithFunc("qemu.discardBitmaps")
	set := dc.obj.checkpoints
	def := checkpoint.FromObj(o)
	nodes, err := dc.mon.QueryNamedNodes(ctx)
	if err != nil {
		return err
	}
	current := set.IsCurrent(o)
	actions := monitor.NewActions()
	for _, disk := range def.Disks {
		if disk.Type != checkpoint.TypeBitmap {
			continue
		}
		domDisk := dc.live.DiskByTarget(disk.Name)
		if domDisk == nil || domDisk.Source == nil || domDisk.Source.NodeName == "" {
			logger.Warnf(ctx, "disk %s of checkpoint %s is gone", disk.Name, def.Name)
			continue
		}
		node := domDisk.Source.NodeName
		if info := nodes[node]; info == nil || info.Bitmap(disk.Bitmap) == nil {
			logger.Warnf(ctx, "bitmap %s of disk %s not found", disk.Bitmap, disk.Name)
			continue
		}
		if parent, bitmap := checkpoint.ParentBitmap(set, def.Parent, disk.Name); parent != nil {
			if current {
				actions.EnableBitmap(node, bitmap)
			}
			actions.MergeBitmap(node, bitmap, []monitor.BitmapRef{{Node: node, Name: disk.Bitmap}})
		}
		actions.RemoveBitmap(node, disk.Bitmap)
	}
	if actions.Len() == 0 {
		return nil
	}
	return dc.mon.Transaction(ctx, actions)
}

// CheckpointList lists checkpoint names, see moment.Set.Names.
func (d *Driver) CheckpointList(ctx context.Context, ref, from string, filter moment.Filter) ([]string, error) {
	obj, _, release, err := d.acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer release()
	var start *moment.Obj
	if from != "" {
		if start, err = findCheckpoint(obj.checkpoints, from); err != nil {
			return nil, err
		}
	}
	return obj.checkpoints.Names(start, filter), nil
}

// CheckpointParent returns the name of the parent of a checkpoint.
func (d *Driver) CheckpointParent(ctx context.Context, ref, name string) (string, error) {
	obj, _, release, err := d.acquire(ctx, ref)
	if err != nil {
		return "", err
	}
	defer release()
	o, err := findCheckpoint(obj.checkpoints, name)
	if err != nil {
		return "", err
	}
	parent := o.Moment().Parent
	if parent == "" {
		return "", types.Errorf(types.CodeNoCheckpoint, "checkpoint '%s' does not have a parent", name)
	}
	return parent, nil
}

// CheckpointGetXMLDesc returns the document of a checkpoint. With
// checkpoint.FormatSize the changed bytes of each disk are measured on the
// running domain.
func (d *Driver) CheckpointGetXMLDesc(ctx context.Context, ref, name string, flags checkpoint.FormatFlags) (string, error) {
	obj, rec, release, err := d.acquire(ctx, ref)
	if err != nil {
		return "", err
	}
	defer release()
	o, err := findCheckpoint(obj.checkpoints, name)
	if err != nil {
		return "", err
	}
	def := checkpoint.FromObj(o).Clone()
	if flags&checkpoint.FormatSize != 0 {
		mon, err := d.monitorOf(ctx, obj, rec)
		if errors.Is(err, hypervisor.ErrNotRunning) {
			return "", types.Wrap(types.CodeOperationInvalid, err, "checkpoint size requires active domain")
		}
		if err != nil {
			return "", err
		}
		if err := d.measureCheckpoint(ctx, obj, rec, mon, def); err != nil {
			return "", err
		}
	}
	out, err := checkpoint.Format(def, flags, false)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// measureCheckpoint merges, per disk, every bitmap from def up to the
// current checkpoint into a temporary bitmap and reads its dirty count.
func (d *Driver) measureCheckpoint(ctx context.Context, obj *domainObj, rec *hypervisor.DomainRecord, mon monitor.Monitor, def *checkpoint.Def) error {
	logger := log.WithFunc("qemu.measureCheckpoint")
	chain, err := checkpoint.IncrementalChain(obj.checkpoints, def.Name)
	if err != nil {
		logger.Debugf(ctx, "checkpoint %s is not an ancestor of the current one: %v", def.Name, err)
		return nil
	}
	live, err := d.liveDomain(ctx, mon, rec)
	if err != nil {
		return err
	}

	type probe struct{ node, bitmap string }
	probes := make(map[string]probe)
	actions, cleanup := monitor.NewActions(), monitor.NewActions()
	for _, disk := range def.Disks {
		if disk.Type != checkpoint.TypeBitmap {
			continue
		}
		domDisk := live.DiskByTarget(disk.Name)
		if domDisk == nil || domDisk.Source == nil || domDisk.Source.NodeName == "" {
			continue
		}
		bitmaps, err := checkpoint.ChainBitmaps(chain, disk.Name)
		if err != nil {
			logger.Debugf(ctx, "skip size of %s: %v", disk.Name, err)
			continue
		}
		p := probe{node: domDisk.Source.NodeName, bitmap: fmt.Sprintf("size-%s-%s", def.Name, disk.Name)}
		sources := make([]monitor.BitmapRef, 0, len(bitmaps))
		for _, bm := range bitmaps {
			sources = append(sources, monitor.BitmapRef{Node: p.node, Name: bm})
		}
		actions.AddBitmap(p.node, p.bitmap, false, true)
		actions.MergeBitmap(p.node, p.bitmap, sources)
		cleanup.RemoveBitmap(p.node, p.bitmap)
		probes[disk.Name] = p
	}
	if len(probes) == 0 {
		return nil
	}
	if err := mon.Transaction(ctx, actions); err != nil {
		return err
	}
	defer func() {
		if err := mon.Transaction(ctx, cleanup); err != nil {
			logger.Warnf(ctx, "remove size bitmaps of %s: %v", def.Name, err)
		}
	}()

	nodes, err := mon.QueryNamedNodes(ctx)
	if err != nil {
		return err
	}
	for i := range def.Disks {
		p, ok := probes[def.Disks[i].Name]
		if !ok {
			continue
		}
		if info := nodes[p.node]; info != nil {
			if bm := info.Bitmap(p.bitmap); bm != nil {
				def.Disks[i].Size, def.Disks[i].SizeValid = bm.Count, true
			}
		}
	}
	return nil
}

func findCheckpoint(set *moment.Set, name string) (*moment.Obj, error) {
	o := set.FindByName(name)
	if o == nil {
		return nil, types.Errorf(types.CodeNoCheckpoint, "no domain checkpoint with matching name '%s'", name)
	}
	return o, nil
}
