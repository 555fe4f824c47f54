package qemu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/backup"
	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/utils"
)

// saveStatus persists the active backup so a restarted daemon can keep
// reconciling it. Failures are logged only.
func (d *Driver) saveStatus(ctx context.Context, obj *domainObj) {
	if obj.backup == nil {
		return
	}
	data, err := backup.Format(obj.backup.def, true)
	if err == nil {
		err = utils.AtomicWriteFile(d.conf.BackupStatusFile(obj.name), data, 0o600) //nolint:mnd
	}
	if err != nil {
		log.WithFunc("qemu.saveStatus").Warnf(ctx, "save backup status of %s: %v", obj.name, err)
	}
}

func (d *Driver) removeStatus(ctx context.Context, obj *domainObj) {
	if err := os.Remove(d.conf.BackupStatusFile(obj.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithFunc("qemu.removeStatus").Warnf(ctx, "remove backup status of %s: %v", obj.name, err)
	}
}

// Recover reattaches to the backups that were active when the daemon last
// stopped. A backup whose domain no longer answers is forgotten.
func (d *Driver) Recover(ctx context.Context) error {
	var recs []hypervisor.DomainRecord
	if err := d.store.With(ctx, func(idx *hypervisor.DomainIndex) error {
		for _, id := range utils.SortedKeys(idx.Domains) {
			recs = append(recs, *idx.Domains[id])
		}
		return nil
	}); err != nil {
		return err
	}
	var errs []error
	for i := range recs {
		if err := d.recoverOne(ctx, &recs[i]); err != nil {
			errs = append(errs, fmt.Errorf("domain %s: %w", recs[i].Name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) recoverOne(ctx context.Context, rec *hypervisor.DomainRecord) error {
	logger := log.WithFunc("qemu.Recover")
	data, err := os.ReadFile(d.conf.BackupStatusFile(rec.Name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	obj, _, release, err := d.acquire(ctx, rec.UUID)
	if err != nil {
		return err
	}
	defer release()

	def, err := backup.Parse(data, true)
	if err != nil {
		logger.Warnf(ctx, "drop unreadable backup status of %s: %v", rec.Name, err)
		d.removeStatus(ctx, obj)
		return nil
	}
	mon, err := d.monitorOf(ctx, obj, rec)
	if err != nil {
		logger.Warnf(ctx, "drop backup %d of %s: %v", def.ID, rec.Name, err)
		d.removeStatus(ctx, obj)
		return nil
	}
	live, err := d.liveDomain(ctx, mon, rec)
	if err != nil {
		return err
	}

	job := &backupJob{def: def, nbdRunning: def.Mode == backup.ModePull}
	for _, disk := range def.Selected() {
		dd := &diskData{
			disk:      disk,
			domDisk:   live.DiskByTarget(disk.Name),
			storeNode: disk.Store.NodeName,
			labelled:  true,
			added:     true,
			started:   true,
		}
		dd.jobName = jobName(disk.Name, dd.storeNode)
		if def.Incremental != "" {
			dd.incrBitmap = incrementalBitmap(def.ID, disk.Name)
		}
		job.disks = append(job.disks, dd)
		obj.jobs[dd.jobName] = dd
	}
	obj.backup = job
	obj.nextBackupID = max(obj.nextBackupID, def.ID)
	logger.Infof(ctx, "recovered backup %d of %s with %d disks", def.ID, rec.Name, len(job.disks))
	return nil
}
