package checkpoint

import (
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/types"
)

// IncrementalChain walks from the current checkpoint up through parents
// until it reaches name, and returns the walked checkpoints, current first
// and name last.
func IncrementalChain(set *moment.Set, name string) ([]*Def, error) {
	var chain []*Def
	for o := set.Current(); o != nil && len(chain) <= set.Len(); o = set.FindByName(o.Moment().Parent) {
		def := FromObj(o)
		chain = append(chain, def)
		if def.Name == name {
			return chain, nil
		}
	}
	return nil, types.Errorf(types.CodeOperationInvalid, "could not locate checkpoint '%s' for incremental backup", name)
}

// ParentBitmap walks up from the checkpoint named from (inclusive) and
// returns the first one tracking disk with a bitmap, together with the
// bitmap name.
func ParentBitmap(set *moment.Set, from, disk string) (*Def, string) {
	seen := 0
	for p := set.FindByName(from); p != nil && seen <= set.Len(); p = set.FindByName(p.Moment().Parent) {
		seen++
		def := FromObj(p)
		if bitmap, ok := def.BitmapFor(disk); ok {
			return def, bitmap
		}
	}
	return nil, ""
}

// ChainBitmaps returns, for each checkpoint of chain, the bitmap tracking
// disk. Every checkpoint must track it.
func ChainBitmaps(chain []*Def, disk string) ([]string, error) {
	bitmaps := make([]string, 0, len(chain))
	for _, def := range chain {
		bitmap, ok := def.BitmapFor(disk)
		if !ok {
			return nil, types.Errorf(types.CodeOperationInvalid,
				"checkpoint '%s' does not track disk '%s'", def.Name, disk)
		}
		bitmaps = append(bitmaps, bitmap)
	}
	return bitmaps, nil
}
