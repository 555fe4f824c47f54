// Package moment holds the named point-in-time markers shared by checkpoints
// and the arena that links them into a parent/child hierarchy.
package moment

import (
	"strconv"
	"time"

	"github.com/cocoonstack/vmbackup/types"
)

// Def is the common part of every point-in-time marker.
type Def struct {
	Name        string
	Description string
	// Parent is the parent's name, empty for a root.
	Parent string
	// CreationTime is in unix seconds and never changes after creation.
	CreationTime int64
	// Exactly one of Dom / InactiveDom is set, depending on whether the
	// domain was running when the moment was taken.
	Dom         *types.Domain
	InactiveDom *types.Domain
}

// Definition is implemented by every moment flavour stored in a Set.
type Definition interface {
	Moment() *Def
}

// New builds a moment taken at now. An empty name is replaced by the
// creation time in seconds.
func New(name, description, parent string, now time.Time) *Def {
	d := &Def{Name: name, Description: description, Parent: parent}
	d.PostParse(now)
	return d
}

// Moment implements Definition.
func (d *Def) Moment() *Def { return d }

// PostParse fills CreationTime and Name when the document left them out.
// Caller supplied values are kept.
func (d *Def) PostParse(now time.Time) {
	if d.CreationTime == 0 {
		d.CreationTime = now.Unix()
	}
	if d.Name == "" {
		d.Name = strconv.FormatInt(d.CreationTime, 10)
	}
}

// RequireName rejects a redefinition without an identity.
func (d *Def) RequireName() error {
	if d.Name == "" {
		return types.Errorf(types.CodeInvalidArgument, "a redefined moment must have a name")
	}
	return nil
}

// Domain returns whichever domain snapshot is populated.
func (d *Def) Domain() *types.Domain {
	if d.Dom != nil {
		return d.Dom
	}
	return d.InactiveDom
}

// Created returns CreationTime as a time.Time.
func (d *Def) Created() time.Time { return time.Unix(d.CreationTime, 0) }
