// Package checkpoint defines checkpoints: moments that track changed blocks
// of each disk in a persistent dirty bitmap.
package checkpoint

import (
	"github.com/cocoonstack/vmbackup/moment"
)

// Type is the per-disk tracking mode.
type Type string

const (
	// TypeDefault is left unset by the caller; alignment resolves it.
	TypeDefault Type = ""
	// TypeNone leaves the disk out of the checkpoint.
	TypeNone Type = "no"
	// TypeBitmap tracks the disk with a dirty bitmap.
	TypeBitmap Type = "bitmap"
)

// ParseType validates a checkpoint= attribute. "default" is not accepted
// from documents.
func ParseType(s string) (Type, bool) {
	switch t := Type(s); t {
	case TypeNone, TypeBitmap:
		return t, true
	default:
		return TypeDefault, false
	}
}

// Disk is the checkpoint setting of one domain disk.
type Disk struct {
	// Name is the disk target once aligned; callers may also pass a source path.
	Name string
	// Index is the position in the domain disk list at alignment time.
	Index  int
	Type   Type
	Bitmap string
	// Size is the amount of data changed since the checkpoint, in bytes.
	Size      uint64
	SizeValid bool

	// Node is the format node name the bitmap lives on (internal only).
	Node string
}

// Def is a checkpoint definition.
type Def struct {
	moment.Def
	Disks []Disk
	// Current is the persisted "is current" marker (internal only).
	Current bool
}

var _ moment.Definition = (*Def)(nil)

// FromObj returns the checkpoint payload of a set entry.
func FromObj(o *moment.Obj) *Def {
	if o == nil {
		return nil
	}
	def, _ := o.Def().(*Def)
	return def
}

// DiskByName returns the checkpoint setting for a disk target, or nil.
func (d *Def) DiskByName(name string) *Disk {
	for i := range d.Disks {
		if d.Disks[i].Name == name {
			return &d.Disks[i]
		}
	}
	return nil
}

// BitmapFor returns the bitmap tracking disk in this checkpoint, if any.
func (d *Def) BitmapFor(disk string) (string, bool) {
	cd := d.DiskByName(disk)
	if cd == nil || cd.Type != TypeBitmap || cd.Bitmap == "" {
		return "", false
	}
	return cd.Bitmap, true
}

// Clone returns a deep copy of def.
func (d *Def) Clone() *Def {
	c := *d
	c.Dom = d.Dom.Clone()
	c.InactiveDom = d.InactiveDom.Clone()
	c.Disks = append([]Disk(nil), d.Disks...)
	return &c
}

// DeleteFlags select what CheckpointDelete removes.
type DeleteFlags uint

const (
	// DeleteChildren also removes every descendant.
	DeleteChildren DeleteFlags = 1 << iota
	// DeleteChildrenOnly removes the descendants and keeps the checkpoint.
	DeleteChildrenOnly
	// DeleteMetadataOnly forgets the checkpoints without touching bitmaps.
	DeleteMetadataOnly
)
