package checkpoint

import (
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/types"
)

// PrepareCreate readies a fresh definition for insertion: it records the
// current checkpoint as parent, snapshots live as the checkpoint's domain
// and aligns the disks. Bitmap disks must be qcow2 and must have a node
// name; the node is copied into the definition.
func PrepareCreate(set *moment.Set, def *Def, live *types.Domain) error {
	def.Parent = set.CurrentName()
	def.Dom = live.Clone()
	def.InactiveDom = nil
	if err := AlignDisks(def); err != nil {
		return err
	}
	for i := range def.Disks {
		disk := &def.Disks[i]
		if disk.Type != TypeBitmap {
			continue
		}
		src := def.Dom.Disks[disk.Index].Source
		if src == nil || src.Format != types.FormatQcow2 {
			format := ""
			if src != nil {
				format = src.Format
			}
			return types.Errorf(types.CodeOperationUnsupported,
				"checkpoint for disk %s unsupported for storage type %s", disk.Name, format)
		}
		if src.NodeName == "" {
			return types.Errorf(types.CodeInternal, "disk %s has no block node", disk.Name)
		}
		disk.Node = src.NodeName
	}
	return nil
}
