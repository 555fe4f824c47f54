// Package dac implements security.Gate with plain file ownership: images
// are chowned to the QEMU account while in use and handed back to their
// previous owner when the last user revokes.
package dac

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/security"
	"github.com/cocoonstack/vmbackup/storage"
	"github.com/cocoonstack/vmbackup/types"
)

var _ security.Gate = (*Gate)(nil)

// Owner is a remembered original owner.
type Owner struct {
	UID  int `json:"uid"`
	GID  int `json:"gid"`
	Refs int `json:"refs"`
}

// OwnerIndex maps image paths to the owner they had before labelling.
type OwnerIndex struct {
	Owners map[string]*Owner `json:"owners"`
}

// Init implements storage.Initer.
func (idx *OwnerIndex) Init() {
	if idx.Owners == nil {
		idx.Owners = make(map[string]*Owner)
	}
}

// Gate chowns local images to uid:gid.
type Gate struct {
	uid, gid int
	store    storage.Store[OwnerIndex]

	chown func(path string, uid, gid int) error
	stat  func(path string) (uid, gid int, err error)
}

// New returns a gate labelling for uid:gid that remembers owners in store.
func New(uid, gid int, store storage.Store[OwnerIndex]) *Gate {
	return &Gate{uid: uid, gid: gid, store: store, chown: os.Chown, stat: statOwner}
}

// Allow implements security.Gate. Non-local sources need no label.
func (g *Gate) Allow(ctx context.Context, src *types.StorageSource, _ bool) error {
	if !src.IsLocal() || src.Path == "" {
		return nil
	}
	path := src.Path
	return g.store.Update(ctx, func(idx *OwnerIndex) error {
		if o, ok := idx.Owners[path]; ok {
			o.Refs++
			return nil
		}
		uid, gid, err := g.stat(path)
		if err != nil {
			return types.Wrap(types.CodeSystem, err, "stat %s", path)
		}
		if err := g.chown(path, g.uid, g.gid); err != nil {
			return types.Wrap(types.CodeSystem, err, "unable to set ownership of '%s' to %d:%d", path, g.uid, g.gid)
		}
		idx.Owners[path] = &Owner{UID: uid, GID: gid, Refs: 1}
		return nil
	})
}

// Revoke implements security.Gate. Revoking an unknown path is a no-op,
// and so is restoring the owner of a file that is already gone.
func (g *Gate) Revoke(ctx context.Context, src *types.StorageSource) error {
	if !src.IsLocal() || src.Path == "" {
		return nil
	}
	path := src.Path
	return g.store.Update(ctx, func(idx *OwnerIndex) error {
		o, ok := idx.Owners[path]
		if !ok {
			return nil
		}
		if o.Refs > 1 {
			o.Refs--
			return nil
		}
		delete(idx.Owners, path)
		if err := g.chown(path, o.UID, o.GID); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.WithFunc("dac.Revoke").Debugf(ctx, "%s vanished before owner restore", path)
				return nil
			}
			return types.Wrap(types.CodeSystem, err, "unable to restore ownership of '%s'", path)
		}
		return nil
	})
}

func statOwner(path string) (int, int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return -1, -1, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return -1, -1, fmt.Errorf("no ownership data for %s", path)
	}
	return int(st.Uid), int(st.Gid), nil
}
