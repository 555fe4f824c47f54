// Package security grants the hypervisor process access to images it is
// handed during a backup and takes that access back afterwards.
package security

import (
	"context"

	"github.com/cocoonstack/vmbackup/types"
)

// Gate labels images for the hypervisor. Both calls are safe to repeat.
type Gate interface {
	Allow(ctx context.Context, src *types.StorageSource, readonly bool) error
	Revoke(ctx context.Context, src *types.StorageSource) error
}

// Nop is the gate used when ownership management is disabled.
type Nop struct{}

func (Nop) Allow(context.Context, *types.StorageSource, bool) error { return nil }
func (Nop) Revoke(context.Context, *types.StorageSource) error      { return nil }
