package qemu

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/types"
	"github.com/cocoonstack/vmbackup/utils"
)

// Define registers dom, or updates the disk layout and monitor socket of
// an already defined domain with the same name and UUID.
func (d *Driver) Define(ctx context.Context, dom *types.Domain, qmpSocket string) (*types.DomainInfo, error) {
	if dom == nil || dom.Name == "" {
		return nil, types.Errorf(types.CodeInvalidArgument, "domain has no name")
	}
	dom = dom.Clone()
	if dom.UUID == "" {
		dom.UUID = utils.DomainUUID(dom.Name)
	} else {
		id, err := uuid.Parse(dom.UUID)
		if err != nil {
			return nil, types.Wrap(types.CodeInvalidArgument, err, "malformed uuid '%s'", dom.UUID)
		}
		dom.UUID = id.String()
	}
	seen := make(map[string]struct{}, len(dom.Disks))
	for _, disk := range dom.Disks {
		if _, ok := seen[disk.Target]; ok {
			return nil, types.Errorf(types.CodeConfigUnsupported, "target '%s' duplicated for disk sources", disk.Target)
		}
		seen[disk.Target] = struct{}{}
	}
	if qmpSocket == "" {
		qmpSocket = d.conf.DefaultQMPSocket(dom.Name)
	}

	d.mu.Lock()
	obj := d.domains[dom.UUID]
	d.mu.Unlock()
	if obj != nil {
		if err := obj.lock.Lock(ctx); err != nil {
			return nil, err
		}
		defer func() { _ = obj.lock.Unlock(ctx) }()
		if obj.backup != nil {
			return nil, types.Errorf(types.CodeOperationInvalid, "cannot redefine domain %s while a backup job is running", dom.Name)
		}
	}

	now := d.now()
	var rec hypervisor.DomainRecord
	if err := d.store.Update(ctx, func(idx *hypervisor.DomainIndex) error {
		if id, ok := idx.Names[dom.Name]; ok && id != dom.UUID {
			return types.Errorf(types.CodeAlreadyExists, "domain '%s' is already defined with uuid %s", dom.Name, id)
		}
		created := now
		if prev := idx.Domains[dom.UUID]; prev != nil {
			if prev.Name != dom.Name {
				return types.Errorf(types.CodeAlreadyExists, "domain '%s' is already defined with uuid %s", prev.Name, dom.UUID)
			}
			created = prev.CreatedAt
		}
		rec = hypervisor.DomainRecord{Domain: *dom, QMPSocket: qmpSocket, CreatedAt: created, UpdatedAt: now}
		stored := rec
		stored.Domain = *dom.Clone()
		idx.Domains[dom.UUID] = &stored
		idx.Names[dom.Name] = dom.UUID
		return nil
	}); err != nil {
		return nil, err
	}
	log.WithFunc("qemu.Define").Infof(ctx, "domain %s defined (%s)", rec.Name, rec.UUID)

	if obj == nil {
		obj = d.object(&rec)
		if err := obj.lock.Lock(ctx); err != nil {
			return nil, err
		}
		defer func() { _ = obj.lock.Unlock(ctx) }()
	}
	if !obj.loaded {
		if err := d.loadCheckpoints(ctx, obj); err != nil {
			return nil, err
		}
		obj.loaded = true
	}
	return d.toInfo(obj, &rec), nil
}

// Undefine forgets domains. A domain with checkpoints or a running backup
// is refused.
func (d *Driver) Undefine(ctx context.Context, refs []string) ([]string, error) {
	return forEachDomain(ctx, refs, "Undefine", d.undefineOne)
}

func (d *Driver) undefineOne(ctx context.Context, ref string) error {
	obj, rec, release, err := d.acquire(ctx, ref)
	if err != nil {
		return err
	}
	defer release()
	if obj.backup != nil {
		return types.Errorf(types.CodeOperationInvalid, "cannot undefine domain %s while a backup job is running", rec.Name)
	}
	if n := obj.checkpoints.Len(); n > 0 {
		return types.Errorf(types.CodeOperationInvalid, "cannot undefine domain %s with %d checkpoints", rec.Name, n)
	}
	if err := d.store.Update(ctx, func(idx *hypervisor.DomainIndex) error {
		delete(idx.Domains, rec.UUID)
		if idx.Names[rec.Name] == rec.UUID {
			delete(idx.Names, rec.Name)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := os.Remove(d.conf.CheckpointDir(rec.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithFunc("qemu.Undefine").Warnf(ctx, "remove checkpoint dir of %s: %v", rec.Name, err)
	}
	d.removeStatus(ctx, obj)
	if mon := obj.takeMonitor(); mon != nil {
		_ = mon.Close()
	}
	d.forget(rec.UUID)
	return nil
}

// Inspect returns the state of one domain.
func (d *Driver) Inspect(ctx context.Context, ref string) (*types.DomainInfo, error) {
	obj, rec, release, err := d.acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer release()
	return d.toInfo(obj, rec), nil
}

// List returns every defined domain, sorted by UUID.
func (d *Driver) List(ctx context.Context) ([]*types.DomainInfo, error) {
	var ids []string
	if err := d.store.With(ctx, func(idx *hypervisor.DomainIndex) error {
		ids = utils.SortedKeys(idx.Domains)
		return nil
	}); err != nil {
		return nil, err
	}
	result := make([]*types.DomainInfo, 0, len(ids))
	for _, id := range ids {
		info, err := d.Inspect(ctx, id)
		if types.IsCode(err, types.CodeNoDomain) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, nil
}
