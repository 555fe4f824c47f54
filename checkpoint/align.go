package checkpoint

import (
	"slices"

	"github.com/cocoonstack/vmbackup/types"
)

// AlignDisks completes def.Disks against the domain snapshot the checkpoint
// carries: every domain disk ends up exactly once, sorted by index, with
// bitmap names defaulted to the checkpoint name. Explicit requests must name
// real disks and must not repeat. It must run once per definition.
func AlignDisks(def *Def) error {
	dom := def.Domain()
	if dom == nil {
		return types.Errorf(types.CodeInternal, "missing domain in checkpoint")
	}
	if len(def.Disks) > len(dom.Disks) {
		return types.Errorf(types.CodeConfigUnsupported, "too many disk checkpoint requests for domain")
	}
	if len(dom.Disks) == 0 {
		return types.Errorf(types.CodeConfigUnsupported, "domain must have at least one disk to perform checkpoints")
	}

	// An empty request list tracks every disk; a partial one tracks only
	// what it names.
	fill := TypeNone
	if len(def.Disks) == 0 {
		fill = TypeBitmap
	}

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
		if disk.Type == TypeDefault {
			disk.Type = TypeBitmap
		}
	}

	for i, dd := range dom.Disks {
		if seen[i] {
			continue
		}
		disk := Disk{Name: dd.Target, Index: i, Type: fill}
		if dd.Source.IsEmpty() {
			disk.Type = TypeNone
		}
		def.Disks = append(def.Disks, disk)
	}

	slices.SortFunc(def.Disks, func(a, b Disk) int { return a.Index - b.Index })

	for i := range def.Disks {
		if def.Disks[i].Type == TypeBitmap && def.Disks[i].Bitmap == "" {
			def.Disks[i].Bitmap = def.Name
		}
	}
	return nil
}
