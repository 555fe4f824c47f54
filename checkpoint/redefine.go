package checkpoint

import (
	"context"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/types"
)

// RedefinePrep validates a redefinition against set and the live domain.
// When def replaces an existing entry the entry is detached, its payload
// swapped for def, and returned; the caller relinks it. updateCurrent
// reports that the replaced entry was current, in which case current has
// been cleared and must be restored once the caller is done. On error the
// set is untouched.
func RedefinePrep(ctx context.Context, set *moment.Set, dom *types.Domain, def *Def) (other *moment.Obj, updateCurrent bool, err error) {
	if err := def.RequireName(); err != nil {
		return nil, false, err
	}
	if err := checkParent(ctx, set, def); err != nil {
		return nil, false, err
	}
	if def.Dom != nil && dom != nil && !def.Dom.SameUUID(dom.UUID) {
		return nil, false, types.Errorf(types.CodeInvalidArgument,
			"definition for checkpoint %s must use uuid %s", def.Name, dom.UUID)
	}

	other = set.FindByName(def.Name)
	if other == nil {
		if def.Domain() != nil {
			if err := AlignDisks(def); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil
	}

	prev := FromObj(other)
	if prevDom := prev.Domain(); prevDom != nil {
		if def.Dom != nil {
			if err := prevDom.CheckABIStability(def.Dom); err != nil {
				return nil, false, err
			}
		} else {
			def.Dom, def.InactiveDom = prev.Dom, prev.InactiveDom
		}
	}
	if def.Domain() != nil {
		if err := AlignDisks(def); err != nil {
			return nil, false, err
		}
	}

	if set.IsCurrent(other) {
		updateCurrent = true
		set.SetCurrent(nil)
	}
	set.DropParent(other)
	other.Swap(def)
	return other, updateCurrent, nil
}

func checkParent(ctx context.Context, set *moment.Set, def *Def) error {
	if def.Parent == "" {
		return nil
	}
	if def.Parent == def.Name {
		return types.Errorf(types.CodeInvalidArgument, "cannot set checkpoint %s as its own parent", def.Name)
	}
	other := set.FindByName(def.Parent)
	if other == nil {
		return types.Errorf(types.CodeInvalidArgument, "parent %s for checkpoint %s not found", def.Parent, def.Name)
	}
	for cur := other.Moment(); cur.Parent != ""; {
		if cur.Parent == def.Name {
			return types.Errorf(types.CodeInvalidArgument, "parent %s would create cycle to %s", cur.Name, def.Name)
		}
		next := set.FindByName(cur.Parent)
		if next == nil {
			log.WithFunc("checkpoint.RedefinePrep").Warnf(ctx, "checkpoints are inconsistent")
			break
		}
		cur = next.Moment()
	}
	return nil
}
