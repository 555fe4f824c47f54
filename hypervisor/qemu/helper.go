package qemu

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/types"
	"github.com/cocoonstack/vmbackup/utils"
)

func (d *Driver) loadRecord(ctx context.Context, ref string) (*hypervisor.DomainRecord, error) {
	var rec hypervisor.DomainRecord
	err := d.store.With(ctx, func(idx *hypervisor.DomainIndex) error {
		id, err := hypervisor.ResolveDomainRef(idx, ref)
		if err != nil {
			return err
		}
		rec, err = utils.LookupCopy(idx.Domains, id)
		return err
	})
	if errors.Is(err, hypervisor.ErrNotFound) {
		return nil, types.Wrap(types.CodeNoDomain, err, "no domain with matching name '%s'", ref)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// liveDomain returns the domain of rec with the block node of every
// attached disk filled in from the running process.
func (d *Driver) liveDomain(ctx context.Context, mon monitor.Monitor, rec *hypervisor.DomainRecord) (*types.Domain, error) {
	blocks, err := mon.QueryBlock(ctx)
	if err != nil {
		return nil, err
	}
	dom := rec.Domain.Clone()
	for _, disk := range dom.Disks {
		if disk.Source == nil {
			continue
		}
		for _, b := range blocks {
			if b.Device == disk.Target || (disk.Source.Path != "" && b.File == disk.Source.Path) {
				disk.Source.NodeName = b.NodeName
				break
			}
		}
	}
	return dom, nil
}

// forEachDomain runs fn for each ref, collects successes, and logs failures.
// All refs are attempted; the returned succeeded slice is always valid.
func forEachDomain(ctx context.Context, refs []string, op string, fn func(context.Context, string) error) ([]string, error) {
	logger := log.WithFunc("qemu." + op)
	var succeeded []string
	var errs []error
	for _, ref := range refs {
		if err := fn(ctx, ref); err != nil {
			logger.Warnf(ctx, "%s domain %s: %v", op, ref, err)
			errs = append(errs, fmt.Errorf("domain %s: %w", ref, err))
			continue
		}
		succeeded = append(succeeded, ref)
	}
	return succeeded, errors.Join(errs...)
}

// toInfo builds the external view of a domain. obj must be held.
func (d *Driver) toInfo(obj *domainObj, rec *hypervisor.DomainRecord) *types.DomainInfo {
	info := &types.DomainInfo{
		Name:      rec.Name,
		UUID:      rec.UUID,
		Type:      rec.Type,
		State:     types.DomainShutoff,
		QMPSocket: rec.QMPSocket,
		Disks:     rec.Domain.Clone().Disks,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if obj.monitor() != nil || utils.CheckSocket(rec.QMPSocket) == nil {
		info.State = types.DomainRunning
	}
	info.CurrentCheckpoint = obj.checkpoints.CurrentName()
	info.Checkpoints = obj.checkpoints.Len()
	if job := obj.backup; job != nil {
		bi := &types.BackupInfo{
			ID:          job.def.ID,
			Mode:        string(job.def.Mode),
			Incremental: job.def.Incremental,
		}
		for _, dd := range job.disks {
			bi.Disks = append(bi.Disks, types.BackupDiskInfo{
				Name:  dd.disk.Name,
				Store: dd.disk.Store.Path,
				State: string(dd.disk.State),
			})
		}
		info.Backup = bi
	}
	return info
}
