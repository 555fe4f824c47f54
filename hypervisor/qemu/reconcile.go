package qemu

import (
	"context"

	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/backup"
	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/types"
)

// NotifyBlockjobEnd reports that the block job of disk in backup id
// reached state, which must be terminal.
func (d *Driver) NotifyBlockjobEnd(ctx context.Context, ref string, id int, disk string, state backup.DiskState) error {
	if !state.Terminal() {
		return types.Errorf(types.CodeInvalidArgument, "disk state '%s' is not terminal", state)
	}
	obj, rec, release, err := d.acquire(ctx, ref)
	if err != nil {
		return err
	}
	defer release()
	if _, err := getBackup(obj, id); err != nil {
		return err
	}
	mon, err := d.monitorOf(ctx, obj, rec)
	if err != nil {
		return err
	}
	d.reconcile(ctx, obj, mon, id, disk, state)
	return nil
}

// reconcile folds one disk conclusion into the backup and terminates,
// cancels or waits depending on what is still pending. obj must be held.
func (d *Driver) reconcile(ctx context.Context, obj *domainObj, mon monitor.Monitor, id int, disk string, state backup.DiskState) {
	logger := log.WithFunc("qemu.reconcile")
	job, err := getBackup(obj, id)
	if err != nil {
		logger.Debugf(ctx, "%s: %v", obj.name, err)
		return
	}
	logger.Debugf(ctx, "domain %s backup %d disk %s: %s", obj.name, id, disk, state)

	if job.def.Mode == backup.ModePull {
		if err := mon.StopExportServer(ctx); err != nil {
			logger.Debugf(ctx, "stop export server of %s: %v", obj.name, err)
		}
		job.nbdRunning = false
	}

	if dd := job.disk(disk); dd != nil {
		dd.disk.State = state
		d.concludeDisk(ctx, job, mon, dd)
	}

	running, cancelling, _ := aggregate(job)
	switch {
	case !running && !cancelling:
		d.terminate(ctx, obj, mon, job)
	case running:
		d.cancelBlockjobs(ctx, obj, mon)
	default:
		d.saveStatus(ctx, obj)
	}
}

func aggregate(job *backupJob) (running, cancelling, allComplete bool) {
	allComplete = true
	for _, dd := range job.disks {
		switch dd.disk.State {
		case backup.DiskComplete:
		case backup.DiskRunning:
			running, allComplete = true, false
		case backup.DiskCancelling:
			cancelling, allComplete = true, false
		case backup.DiskFailed, backup.DiskCancelled:
			allComplete = false
		}
	}
	return running, cancelling, allComplete
}

// concludeDisk releases the resources of a disk whose block job is over.
func (d *Driver) concludeDisk(ctx context.Context, job *backupJob, mon monitor.Monitor, dd *diskData) {
	unlink := job.def.Mode == backup.ModePull && dd.disk.Store.Detected
	d.releaseDisk(ctx, mon, dd, unlink)
}

// cancelBlockjobs asks every running disk of the active backup to stop.
// A disk whose cancel request fails is marked failed. When that leaves
// nothing pending the backup is terminated.
func (d *Driver) cancelBlockjobs(ctx context.Context, obj *domainObj, mon monitor.Monitor) {
	job := obj.backup
	if job == nil {
		return
	}
	logger := log.WithFunc("qemu.cancelBlockjobs")
	for _, dd := range job.disks {
		if !dd.started || dd.disk.State != backup.DiskRunning {
			continue
		}
		if err := mon.CancelJob(ctx, dd.jobName); err != nil {
			logger.Warnf(ctx, "cancel job %s: %v", dd.jobName, err)
			dd.disk.State = backup.DiskFailed
			d.concludeDisk(ctx, job, mon, dd)
			continue
		}
		dd.disk.State = backup.DiskCancelling
	}
	if running, cancelling, _ := aggregate(job); !running && !cancelling {
		d.terminate(ctx, obj, mon, job)
		return
	}
	d.saveStatus(ctx, obj)
}

// terminate frees the backup and clears the active slot.
func (d *Driver) terminate(ctx context.Context, obj *domainObj, mon monitor.Monitor, job *backupJob) {
	_, _, success := aggregate(job)
	for _, dd := range job.disks {
		d.concludeDisk(ctx, job, mon, dd)
		delete(obj.jobs, dd.jobName)
	}
	if job.nbdRunning {
		if err := mon.StopExportServer(ctx); err != nil {
			log.WithFunc("qemu.terminate").Warnf(ctx, "stop export server of %s: %v", obj.name, err)
		}
		job.nbdRunning = false
	}
	if obj.backup == job {
		obj.backup = nil
	}
	d.removeStatus(ctx, obj)
	log.WithFunc("qemu.terminate").Infof(ctx, "backup %d of %s finished, success=%t", job.def.ID, obj.name, success)
}
