package backup

import (
	"slices"

	"github.com/cocoonstack/vmbackup/types"
)

// AlignDisks maps def.Disks onto dom: every domain disk ends up exactly
// once, sorted by index. Requested disks without a path get
// "<source>.<suffix>"; unmentioned disks are backed up only when nothing
// was requested.
func AlignDisks(def *Def, dom *types.Domain, suffix string) error {
	if len(def.Disks) > len(dom.Disks) {
		return types.Errorf(types.CodeConfigUnsupported, "too many disk backup requests for domain")
	}
	if len(dom.Disks) == 0 {
		return types.Errorf(types.CodeConfigUnsupported, "domain must have at least one disk to perform backups")
	}
	allocAll := len(def.Disks) == 0

	seen := make([]bool, len(dom.Disks))
	for i := range def.Disks {
		disk := &def.Disks[i]
		idx := dom.DiskIndexByName(disk.Name)
		if idx < 0 {
			return types.Errorf(types.CodeConfigUnsupported, "no disk named '%s'", disk.Name)
		}
		if seen[idx] {
			return types.Errorf(types.CodeConfigUnsupported, "disk '%s' specified twice", disk.Name)
		}
		seen[idx] = true
		disk.Index = idx
		disk.Name = dom.Disks[idx].Target
		if disk.Store != nil && disk.Store.Path == "" {
			disk.Store = nil
		}
		if err := assignStore(disk, dom.Disks[idx], suffix); err != nil {
			return err
		}
	}

	for i, dd := range dom.Disks {
		if seen[i] {
			continue
		}
		disk := Disk{Name: dd.Target, Index: i, State: DiskNew}
		if allocAll {
			if err := assignStore(&disk, dd, suffix); err != nil {
				return err
			}
		}
		def.Disks = append(def.Disks, disk)
	}

	slices.SortFunc(def.Disks, func(a, b Disk) int { return a.Index - b.Index })
	return nil
}

func assignStore(disk *Disk, dd *types.Disk, suffix string) error {
	if disk.State == "" {
		disk.State = DiskNew
	}
	src := dd.Source
	switch {
	case src.IsEmpty():
		if disk.Store != nil {
			return types.Errorf(types.CodeConfigUnsupported, "disk '%s' has no media", disk.Name)
		}
	case src.ReadOnly && disk.Store != nil:
		return types.Errorf(types.CodeConfigUnsupported, "backup of readonly disk '%s' makes no sense", disk.Name)
	case disk.Store == nil:
		if src.Type != types.StorageFile {
			return types.Errorf(types.CodeConfigUnsupported, "refusing to generate file name for disk '%s'", disk.Name)
		}
		disk.Store = &types.StorageSource{
			Type:     types.StorageFile,
			Path:     src.Path + "." + suffix,
			Detected: true,
		}
	}
	return nil
}
