package qemu

import (
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/backup"
	"github.com/cocoonstack/vmbackup/monitor"
)

// watch feeds the block job events of mon into the reconciler. When the
// stream ends the cached connection is dropped so the next call redials.
func (d *Driver) watch(obj *domainObj, mon monitor.Monitor) error {
	events, err := mon.Events(d.ctx)
	if err != nil {
		return err
	}
	go func() {
		logger := log.WithFunc("qemu.watch")
		for ev := range events {
			if err := d.pool.Submit(func() { d.handleJobEvent(obj, mon, ev) }); err != nil {
				logger.Warnf(d.ctx, "dispatch event of job %s: %v", ev.Job, err)
			}
		}
		if obj.dropMonitor(mon) {
			_ = mon.Close()
			logger.Infof(d.ctx, "monitor of %s disconnected", obj.name)
		}
	}()
	return nil
}

func (d *Driver) handleJobEvent(obj *domainObj, mon monitor.Monitor, ev monitor.JobEvent) {
	ctx := d.ctx
	logger := log.WithFunc("qemu.handleJobEvent")
	if err := obj.lock.Lock(ctx); err != nil {
		logger.Warnf(ctx, "event of job %s dropped: %v", ev.Job, err)
		return
	}
	defer func() { _ = obj.lock.Unlock(ctx) }()

	dd := obj.jobs[ev.Job]
	if dd == nil || obj.backup == nil {
		logger.Debugf(ctx, "ignore event of unknown job %s", ev.Job)
		return
	}
	if ev.Error != "" {
		logger.Warnf(ctx, "job %s of %s failed: %s", ev.Job, obj.name, ev.Error)
	}
	d.reconcile(ctx, obj, mon, obj.backup.def.ID, dd.disk.Name, diskState(ev.Status))
}

func diskState(s monitor.JobStatus) backup.DiskState {
	switch s {
	case monitor.JobCompleted:
		return backup.DiskComplete
	case monitor.JobCancelled:
		return backup.DiskCancelled
	default:
		return backup.DiskFailed
	}
}
