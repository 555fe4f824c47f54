package qemu

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/cocoonstack/vmbackup/backup"
	"github.com/cocoonstack/vmbackup/checkpoint"
	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/types"
)

// backupJob is the active backup of a domain.
type backupJob struct {
	def        *backup.Def
	disks      []*diskData
	nbdRunning bool
}

func (j *backupJob) disk(name string) *diskData {
	for _, dd := range j.disks {
		if dd.disk.Name == name {
			return dd
		}
	}
	return nil
}

// diskData tracks what was done for one disk so that exactly those steps
// can be undone.
type diskData struct {
	disk    *backup.Disk
	domDisk *types.Disk

	jobName    string
	storeNode  string
	incrBitmap string

	created  bool // image file created here
	labelled bool // gate granted access
	added    bool // store attached as a block node
	started  bool // block job submitted successfully
	cleaned  bool
}

func storeNodeName(id int, disk string) string { return fmt.Sprintf("backup%d-%s-format", id, disk) }

func jobName(disk, storeNode string) string { return "backup-" + disk + "-" + storeNode }

func incrementalBitmap(id int, disk string) string { return fmt.Sprintf("backup-%d-%s", id, disk) }

// BackupBegin starts a backup of the domain and, when checkpointXML is
// given, creates a checkpoint in the same transaction. It returns the job
// id.
func (d *Driver) BackupBegin(ctx context.Context, ref, backupXML, checkpointXML string) (int, error) {
	def, err := backup.Parse([]byte(backupXML), false)
	if err != nil {
		return 0, err
	}
	var chkDef *checkpoint.Def
	suffix := strconv.FormatInt(d.now().Unix(), 10)
	if checkpointXML != "" {
		if chkDef, err = checkpoint.Parse([]byte(checkpointXML), checkpoint.ParseDisks); err != nil {
			return 0, err
		}
		suffix = chkDef.Name
	}

	obj, rec, release, err := d.acquire(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer release()

	mon, err := d.monitorOf(ctx, obj, rec)
	if errors.Is(err, hypervisor.ErrNotRunning) {
		return 0, types.Wrap(types.CodeOperationUnsupported, err, "cannot perform disk backup for inactive domain")
	}
	if err != nil {
		return 0, err
	}
	if err := requireIncremental(ctx, mon); err != nil {
		return 0, err
	}
	if obj.backup != nil {
		return 0, types.Errorf(types.CodeOperationInvalid, "another backup job is already running")
	}

	if err := backup.Prepare(def, obj.nextBackupID+1); err != nil {
		return 0, err
	}
	obj.nextBackupID = def.ID
	live, err := d.liveDomain(ctx, mon, rec)
	if err != nil {
		return 0, err
	}
	if err := backup.AlignDisks(def, live, suffix); err != nil {
		return 0, err
	}

	var chain []*checkpoint.Def
	if def.Incremental != "" {
		if chain, err = checkpoint.IncrementalChain(obj.checkpoints, def.Incremental); err != nil {
			return 0, err
		}
	}

	b := &beginner{d: d, obj: obj, mon: mon, def: def, actions: monitor.NewActions()}
	if chkDef != nil {
		if b.chk, err = d.createCommon(obj, chkDef, live, b.actions); err != nil {
			return 0, err
		}
	}
	if err := b.prepareData(live, chain); err != nil {
		b.rollback(ctx)
		return 0, err
	}
	if err := b.prepareStorage(ctx); err != nil {
		b.rollback(ctx)
		return 0, err
	}
	if err := b.submit(ctx); err != nil {
		b.rollback(ctx)
		return 0, err
	}

	log.WithFunc("qemu.BackupBegin").Infof(ctx, "backup %d of %s started (%s, %d disks)", def.ID, rec.Name, def.Mode, len(b.job.disks))
	var finalizeErr error
	if b.chk != nil {
		finalizeErr = d.finalizeCheckpoint(ctx, obj, b.chk, true, true)
	}
	d.saveStatus(ctx, obj)
	if finalizeErr != nil {
		return 0, finalizeErr
	}

	if def.Mode == backup.ModePull {
		// The checkpoint stays when the export fails.
		if err := b.export(ctx); err != nil {
			d.cancelBlockjobs(ctx, obj, mon)
			return 0, err
		}
	}
	return def.ID, nil
}

func requireIncremental(ctx context.Context, mon monitor.Monitor) error {
	caps, err := mon.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !caps.IncrementalBackup {
		return types.Errorf(types.CodeOperationUnsupported, "incremental backup is not supported yet")
	}
	return nil
}

// beginner carries the state of one BackupBegin between its phases.
type beginner struct {
	d       *Driver
	obj     *domainObj
	mon     monitor.Monitor
	def     *backup.Def
	actions *monitor.Actions
	job     *backupJob

	chk        *moment.Obj
	registered bool
}

// prepareData builds the per-disk bookkeeping and queues the bitmap and
// backup directives.
func (b *beginner) prepareData(live *types.Domain, chain []*checkpoint.Def) error {
	b.job = &backupJob{def: b.def}
	for _, disk := range b.def.Selected() {
		domDisk := live.DiskByTarget(disk.Name)
		if domDisk == nil || domDisk.Source == nil || domDisk.Source.NodeName == "" {
			return types.Errorf(types.CodeInternal, "missing domain disk or block node for '%s'", disk.Name)
		}
		if disk.Store.Format == "" {
			disk.Store.Format = types.FormatQcow2
		}
		dd := &diskData{disk: disk, domDisk: domDisk, storeNode: storeNodeName(b.def.ID, disk.Name)}
		dd.jobName = jobName(disk.Name, dd.storeNode)
		disk.Store.NodeName = dd.storeNode
		b.job.disks = append(b.job.disks, dd)

		sync := monitor.SyncFull
		if b.def.Mode == backup.ModePull {
			sync = monitor.SyncNone
		}
		if len(chain) > 0 {
			bitmaps, err := checkpoint.ChainBitmaps(chain, disk.Name)
			if err != nil {
				return err
			}
			node := domDisk.Source.NodeName
			sources := make([]monitor.BitmapRef, 0, len(bitmaps))
			for _, bm := range bitmaps {
				sources = append(sources, monitor.BitmapRef{Node: node, Name: bm})
			}
			dd.incrBitmap = incrementalBitmap(b.def.ID, disk.Name)
			b.actions.AddBitmap(node, dd.incrBitmap, false, true)
			b.actions.MergeBitmap(node, dd.incrBitmap, sources)
			b.actions.AddBitmap(dd.storeNode, dd.incrBitmap, false, true)
			b.actions.MergeBitmap(dd.storeNode, dd.incrBitmap, sources)
			if b.def.Mode == backup.ModePush {
				sync = monitor.SyncIncremental
			}
		}
		b.actions.Backup(dd.jobName, domDisk.Source.NodeName, dd.storeNode, sync, dd.incrBitmap)
	}
	if len(b.job.disks) == 0 {
		return types.Errorf(types.CodeConfigUnsupported, "no disks selected for backup")
	}
	return nil
}

// prepareStorage creates, labels, formats and attaches every store. Disks
// are prepared in parallel; each disk records the steps it completed.
func (b *beginner) prepareStorage(ctx context.Context) error {
	nodes, err := b.mon.QueryNamedNodes(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, dd := range b.job.disks {
		g.Go(func() error { return b.prepareStore(gctx, dd, nodes) })
	}
	return g.Wait()
}

func (b *beginner) prepareStore(ctx context.Context, dd *diskData, nodes map[string]*monitor.NodeInfo) error {
	store := dd.disk.Store
	if store.IsLocal() && store.SupportsCreate() {
		exists, err := b.d.files.Exists(store)
		if err != nil {
			return err
		}
		if !exists {
			if err := b.d.files.Create(store); err != nil {
				return err
			}
			dd.created = true
		}
	}
	if err := b.d.gate.Allow(ctx, store, false); err != nil {
		return err
	}
	dd.labelled = true

	node := nodes[dd.domDisk.Source.NodeName]
	if node == nil {
		return types.Errorf(types.CodeInternal, "failed to update capacity data for block node '%s'", dd.domDisk.Source.NodeName)
	}
	store.Capacity = node.Capacity
	if store.IsLocal() {
		if err := b.d.files.Format(ctx, store, node.Capacity); err != nil {
			return err
		}
	}
	if err := b.mon.AttachStore(ctx, monitor.StoreSpec{Node: dd.storeNode, Source: store}); err != nil {
		return err
	}
	dd.added = true
	dd.disk.State = backup.DiskPrepared
	return nil
}

// submit installs the job, starts the export server for pull backups and
// runs the transaction.
func (b *beginner) submit(ctx context.Context) error {
	for _, dd := range b.job.disks {
		b.obj.jobs[dd.jobName] = dd
	}
	b.registered = true
	b.obj.backup = b.job

	if b.def.Mode == backup.ModePull {
		srv := b.def.Server
		if err := b.mon.StartExportServer(ctx, monitor.ExportServer{
			Transport: string(srv.Transport),
			Host:      srv.Name,
			Port:      srv.Port,
			Socket:    srv.Socket,
		}); err != nil {
			return err
		}
		b.job.nbdRunning = true
	}
	for _, dd := range b.job.disks {
		dd.disk.State = backup.DiskSubmitted
	}
	if err := b.mon.Transaction(ctx, b.actions); err != nil {
		return err
	}
	for _, dd := range b.job.disks {
		dd.started = true
		dd.disk.State = backup.DiskRunning
	}
	return nil
}

func (b *beginner) export(ctx context.Context) error {
	for _, dd := range b.job.disks {
		if err := b.mon.AddExport(ctx, dd.storeNode, dd.disk.Name, false, dd.incrBitmap); err != nil {
			return err
		}
	}
	return nil
}

// rollback undoes a BackupBegin whose block jobs never started.
func (b *beginner) rollback(ctx context.Context) {
	logger := log.WithFunc("qemu.BackupBegin")
	if b.job != nil {
		for _, dd := range b.job.disks {
			b.d.releaseDisk(ctx, b.mon, dd, dd.created)
		}
		if b.registered {
			for _, dd := range b.job.disks {
				delete(b.obj.jobs, dd.jobName)
			}
		}
		if b.job.nbdRunning {
			if err := b.mon.StopExportServer(ctx); err != nil {
				logger.Warnf(ctx, "stop export server: %v", err)
			}
			b.job.nbdRunning = false
		}
		if b.obj.backup == b.job {
			b.obj.backup = nil
		}
	}
	if b.chk != nil {
		b.d.rollbackCheckpoint(ctx, b.obj, b.chk)
		b.chk = nil
	}
}

// releaseDisk undoes the storage preparation of one disk. Each step runs
// at most once. unlink also removes the store image.
func (d *Driver) releaseDisk(ctx context.Context, mon monitor.Monitor, dd *diskData, unlink bool) {
	if dd.cleaned {
		return
	}
	dd.cleaned = true
	logger := log.WithFunc("qemu.releaseDisk")
	if dd.added {
		if err := mon.DetachStore(ctx, dd.storeNode); err != nil {
			logger.Warnf(ctx, "detach store %s: %v", dd.storeNode, err)
		}
		dd.added = false
	}
	if dd.started && dd.incrBitmap != "" && dd.domDisk != nil && dd.domDisk.Source != nil {
		if err := mon.RemoveBitmap(ctx, dd.domDisk.Source.NodeName, dd.incrBitmap); err != nil {
			logger.Warnf(ctx, "remove bitmap %s of %s: %v", dd.incrBitmap, dd.disk.Name, err)
		}
	}
	if dd.labelled {
		if err := d.gate.Revoke(ctx, dd.disk.Store); err != nil {
			logger.Warnf(ctx, "revoke access to %s: %v", dd.disk.Store.Path, err)
		}
		dd.labelled = false
	}
	if unlink {
		if err := d.files.Unlink(dd.disk.Store); err != nil {
			logger.Warnf(ctx, "unlink %s: %v", dd.disk.Store.Path, err)
		}
		dd.created = false
	}
}

// BackupEnd requests cancellation of every running disk of the backup.
// Completion is reported asynchronously.
func (d *Driver) BackupEnd(ctx context.Context, ref string, id int) error {
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
	d.cancelBlockjobs(ctx, obj, mon)
	return nil
}

// BackupGetXMLDesc returns the document of the active backup.
func (d *Driver) BackupGetXMLDesc(ctx context.Context, ref string, id int) (string, error) {
	obj, _, release, err := d.acquire(ctx, ref)
	if err != nil {
		return "", err
	}
	defer release()
	job, err := getBackup(obj, id)
	if err != nil {
		return "", err
	}
	out, err := backup.Format(job.def, false)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// getBackup returns the active backup when id matches it; 0 matches any.
func getBackup(obj *domainObj, id int) (*backupJob, error) {
	if obj.backup == nil || (id != 0 && obj.backup.def.ID != id) {
		return nil, types.Errorf(types.CodeNoBackup, "no domain backup job with id '%d'", id)
	}
	return obj.backup, nil
}
