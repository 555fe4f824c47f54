package qemu

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cocoonstack/vmbackup/backup"
	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/types"
)

const pushXML = `<domainbackup mode="push"/>`

func backupDisks(t *testing.T, h *harness) map[string]string {
	t.Helper()
	info, err := h.d.Inspect(context.Background(), "vm1")
	require.NoError(t, err)
	if info.Backup == nil {
		return nil
	}
	out := map[string]string{}
	for _, disk := range info.Backup.Disks {
		out[disk.Name] = disk.State
	}
	return out
}

// --- begin ---

func TestBackupBegin_PushFullEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)

	id, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	jobs := actionsOf(h.mon.lastTx(), monitor.ActionBackup)
	require.Len(t, jobs, 2)
	assert.Equal(t, monitor.Action{
		Kind: monitor.ActionBackup, JobID: "backup-vda-backup1-vda-format",
		Node: "node-vda", Target: "backup1-vda-format", Sync: monitor.SyncFull,
	}, jobs[0])
	assert.Equal(t, "backup-vdb-backup1-vdb-format", jobs[1].JobID)

	target := "/images/vda.qcow2.1700000000"
	assert.True(t, h.files.existing[target])
	assert.Equal(t, uint64(10<<30), h.files.formatted[target])
	assert.Equal(t, 1, h.gate.allowed[target])
	assert.FileExists(t, h.conf.BackupStatusFile("vm1"))
	assert.Equal(t, map[string]string{"vda": "running", "vdb": "running"}, backupDisks(t, h))

	require.NoError(t, h.d.NotifyBlockjobEnd(ctx, "vm1", id, "vda", backup.DiskComplete))
	assert.Equal(t, map[string]string{"vda": "complete", "vdb": "cancelling"}, backupDisks(t, h))
	assert.Equal(t, []string{"backup-vdb-backup1-vdb-format"}, h.mon.canceled)

	require.NoError(t, h.d.NotifyBlockjobEnd(ctx, "vm1", id, "vdb", backup.DiskComplete))
	assert.Nil(t, backupDisks(t, h))
	assert.ElementsMatch(t, []string{"backup1-vda-format", "backup1-vdb-format"}, h.mon.detached)
	assert.Zero(t, h.gate.allowed[target])
	assert.Empty(t, h.files.unlinked, "push targets are kept")
	assert.NoFileExists(t, h.conf.BackupStatusFile("vm1"))

	id, err = h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestBackupBegin_SingleActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)

	_, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	_, err = h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeOperationInvalid))
}

func TestBackupBegin_Refusals(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive", func(t *testing.T) {
		h := newHarness(t)
		h.define(t)
		h.setAlive(false)
		_, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
		assert.True(t, types.IsCode(err, types.CodeOperationUnsupported))
	})
	t.Run("no incremental support", func(t *testing.T) {
		h := newHarness(t)
		h.define(t)
		h.mon.caps.IncrementalBackup = false
		_, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
		assert.True(t, types.IsCode(err, types.CodeOperationUnsupported))
	})
	t.Run("unknown domain", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.d.BackupBegin(ctx, "nope", pushXML, "")
		assert.True(t, types.IsCode(err, types.CodeNoDomain))
	})
	t.Run("no disks selected", func(t *testing.T) {
		h := newHarness(t)
		dom := testDomain()
		dom.Disks = append(dom.Disks, &types.Disk{Target: "hdc", Bus: "ide", Device: "cdrom",
			Source: &types.StorageSource{Type: types.StorageFile}})
		_, err := h.d.Define(ctx, dom, "")
		require.NoError(t, err)
		_, err = h.d.BackupBegin(ctx, "vm1", `<domainbackup><disks><disk name="hdc"/></disks></domainbackup>`, "")
		assert.True(t, types.IsCode(err, types.CodeConfigUnsupported))
		assert.Empty(t, h.mon.txs)
	})
	t.Run("unknown incremental", func(t *testing.T) {
		h := newHarness(t)
		h.define(t)
		_, err := h.d.BackupBegin(ctx, "vm1", `<domainbackup><incremental>c9</incremental></domainbackup>`, "")
		assert.True(t, types.IsCode(err, types.CodeOperationInvalid))
	})
}

// --- rollback ---

func TestBackupBegin_RollbackOnTransactionFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	info := h.define(t)
	h.mon.failTx = types.Errorf(types.CodeOperationFailed, "transaction refused")

	_, err := h.d.BackupBegin(ctx, "vm1", pushXML, `<domaincheckpoint><name>c1</name></domaincheckpoint>`)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeOperationFailed))

	assert.ElementsMatch(t, []string{"backup1-vda-format", "backup1-vdb-format"}, h.mon.detached)
	assert.ElementsMatch(t, []string{"/images/vda.qcow2.c1", "/images/vdb.qcow2.c1"}, h.files.unlinked)
	assert.Empty(t, h.files.existing)
	for path, n := range h.gate.allowed {
		assert.Zero(t, n, path)
	}
	assert.Nil(t, backupDisks(t, h))
	assert.Empty(t, h.d.domains[info.UUID].jobs)

	names, err := h.d.CheckpointList(ctx, "vm1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, names, "paired checkpoint rolled back")
	assert.NoFileExists(t, h.conf.BackupStatusFile("vm1"))

	h.mon.failTx = nil
	id, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestBackupBegin_RollbackOnAttachFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	h.mon.failAttach["backup1-vdb-format"] = errors.New("blockdev-add failed")

	_, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.Error(t, err)

	assert.Equal(t, []string{"backup1-vda-format"}, h.mon.detached, "only the attached store is detached")
	assert.ElementsMatch(t, []string{"/images/vda.qcow2.1700000000", "/images/vdb.qcow2.1700000000"}, h.files.unlinked)
	assert.Empty(t, h.mon.txs)
	assert.Nil(t, backupDisks(t, h))
}

func TestBackupBegin_KeepsPreexistingTarget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	h.files.existing["/backup/vda.qcow2"] = true
	h.gate.failOn = "/images/vdb.qcow2.1700000000"

	_, err := h.d.BackupBegin(ctx, "vm1", `<domainbackup><disks>
  <disk name="vda" type="file"><target file="/backup/vda.qcow2"/></disk>
  <disk name="vdb"/>
</disks></domainbackup>`, "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeSystem))
	assert.True(t, h.files.existing["/backup/vda.qcow2"], "file not created by the job survives rollback")
	assert.NotContains(t, h.files.unlinked, "/backup/vda.qcow2")
	assert.Contains(t, h.files.unlinked, "/images/vdb.qcow2.1700000000")
}

// --- pull ---

func TestBackupBegin_PullExport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)

	id, err := h.d.BackupBegin(ctx, "vm1",
		`<domainbackup mode="pull"><server transport="unix" socket="/run/nbd.sock"/></domainbackup>`, "")
	require.NoError(t, err)

	for _, a := range actionsOf(h.mon.lastTx(), monitor.ActionBackup) {
		assert.Equal(t, monitor.SyncNone, a.Sync)
	}
	assert.Contains(t, h.mon.calls, "nbd-start unix")
	assert.Equal(t, []string{"backup1-vda-format=vda@", "backup1-vdb-format=vdb@"}, h.mon.exports)

	xml, err := h.d.BackupGetXMLDesc(ctx, "vm1", id)
	require.NoError(t, err)
	assert.Contains(t, xml, `mode="pull"`)
	assert.Contains(t, xml, `<scratch file="/images/vda.qcow2.1700000000">`)

	require.NoError(t, h.d.BackupEnd(ctx, "vm1", id))
	assert.Len(t, h.mon.canceled, 2)
	require.NoError(t, h.d.NotifyBlockjobEnd(ctx, "vm1", id, "vdb", backup.DiskCancelled))
	require.NoError(t, h.d.NotifyBlockjobEnd(ctx, "vm1", id, "vda", backup.DiskCancelled))

	assert.Nil(t, backupDisks(t, h))
	assert.Contains(t, h.mon.calls, "nbd-stop")
	assert.ElementsMatch(t, []string{"/images/vda.qcow2.1700000000", "/images/vdb.qcow2.1700000000"}, h.files.unlinked,
		"generated scratch files are removed")
}

func TestBackupBegin_PullExportFailureCancels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	h.mon.failExport = errors.New("nbd-server-add failed")

	_, err := h.d.BackupBegin(ctx, "vm1",
		`<domainbackup mode="pull"><server transport="unix" socket="/run/nbd.sock"/></domainbackup>`,
		`<domaincheckpoint><name>c1</name></domaincheckpoint>`)
	require.Error(t, err)
	assert.Len(t, h.mon.canceled, 2)
	assert.Equal(t, map[string]string{"vda": "cancelling", "vdb": "cancelling"}, backupDisks(t, h))

	names, err := h.d.CheckpointList(ctx, "vm1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, names, "checkpoint survives a failed export")
}

// --- incremental ---

func TestBackupBegin_IncrementalChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	for _, name := range []string{"c1", "c2", "c3"} {
		_, err := h.d.CheckpointCreate(ctx, "vm1", "<domaincheckpoint><name>"+name+"</name></domaincheckpoint>", false)
		require.NoError(t, err)
	}

	_, err := h.d.BackupBegin(ctx, "vm1", `<domainbackup><incremental>c1</incremental></domainbackup>`, "")
	require.NoError(t, err)

	tx := h.mon.lastTx()
	merges := actionsOf(tx, monitor.ActionMergeBitmap)
	require.Len(t, merges, 4)
	want := []monitor.BitmapRef{{Node: "node-vda", Name: "c3"}, {Node: "node-vda", Name: "c2"}, {Node: "node-vda", Name: "c1"}}
	assert.Equal(t, "node-vda", merges[0].Node)
	assert.Equal(t, "backup-1-vda", merges[0].Bitmap)
	assert.Equal(t, want, merges[0].Sources)
	assert.Equal(t, "backup1-vda-format", merges[1].Node)
	assert.Equal(t, want, merges[1].Sources)

	jobs := actionsOf(tx, monitor.ActionBackup)
	assert.Equal(t, monitor.SyncIncremental, jobs[0].Sync)
	assert.Equal(t, "backup-1-vda", jobs[0].Bitmap)

	require.NoError(t, h.d.BackupEnd(ctx, "vm1", 0))
	require.NoError(t, h.d.NotifyBlockjobEnd(ctx, "vm1", 1, "vda", backup.DiskCancelled))
	require.NoError(t, h.d.NotifyBlockjobEnd(ctx, "vm1", 1, "vdb", backup.DiskCancelled))
	assert.Contains(t, h.mon.removed, "node-vda/backup-1-vda")
	assert.Nil(t, h.mon.bitmap("node-vda", "backup-1-vda"))
}

func TestBackupBegin_WithCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	_, err := h.d.CheckpointCreate(ctx, "vm1", `<domaincheckpoint><name>c1</name></domaincheckpoint>`, false)
	require.NoError(t, err)

	_, err = h.d.BackupBegin(ctx, "vm1", `<domainbackup><incremental>c1</incremental></domainbackup>`,
		`<domaincheckpoint><name>c2</name></domaincheckpoint>`)
	require.NoError(t, err)

	tx := h.mon.lastTx()
	adds := actionsOf(tx, monitor.ActionAddBitmap)
	assert.Equal(t, monitor.Action{Kind: monitor.ActionAddBitmap, Node: "node-vda", Bitmap: "c2", Persistent: true}, adds[0])
	disables := actionsOf(tx, monitor.ActionDisableBitmap)
	require.Len(t, disables, 2)
	assert.Equal(t, "c1", disables[0].Bitmap)

	info, err := h.d.Inspect(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, "c2", info.CurrentCheckpoint)
	assert.FileExists(t, h.d.checkpointFile(h.d.domains[info.UUID], "c2"))
	assert.True(t, h.files.existing["/images/vda.qcow2.c2"])
}

// --- end / reconcile ---

func TestBackupEnd_UnknownID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	err := h.d.BackupEnd(ctx, "vm1", 0)
	assert.True(t, types.IsCode(err, types.CodeNoBackup))

	id, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	err = h.d.BackupEnd(ctx, "vm1", id+1)
	assert.True(t, types.IsCode(err, types.CodeNoBackup))
	_, err = h.d.BackupGetXMLDesc(ctx, "vm1", id+1)
	assert.True(t, types.IsCode(err, types.CodeNoBackup))
}

func TestBackupEnd_CancelFailureTerminates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	id, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	h.mon.failCancel["backup-vda-backup1-vda-format"] = errors.New("job not found")
	h.mon.failCancel["backup-vdb-backup1-vdb-format"] = errors.New("job not found")

	require.NoError(t, h.d.BackupEnd(ctx, "vm1", id))
	assert.Nil(t, backupDisks(t, h), "nothing left pending")
	assert.Len(t, h.mon.detached, 2)
}

func TestNotifyBlockjobEnd_OrderIndependent(t *testing.T) {
	orders := [][]string{
		{"vda", "vdb", "vdc"}, {"vda", "vdc", "vdb"}, {"vdb", "vda", "vdc"},
		{"vdb", "vdc", "vda"}, {"vdc", "vda", "vdb"}, {"vdc", "vdb", "vda"},
	}
	states := map[string]backup.DiskState{"vda": backup.DiskComplete, "vdb": backup.DiskFailed, "vdc": backup.DiskComplete}
	for _, order := range orders {
		t.Run(order[0]+order[1]+order[2], func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			dom := testDomain()
			dom.Disks = append(dom.Disks, &types.Disk{Target: "vdc", Bus: "virtio", Device: "disk",
				Source: &types.StorageSource{Type: types.StorageFile, Path: "/images/vdc.qcow2", Format: types.FormatQcow2}})
			h.mon.blocks = append(h.mon.blocks, monitor.BlockInfo{Device: "vdc", NodeName: "node-vdc"})
			h.mon.nodes["node-vdc"] = &monitor.NodeInfo{Name: "node-vdc", Capacity: 1 << 30}
			_, err := h.d.Define(ctx, dom, "")
			require.NoError(t, err)

			id, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
			require.NoError(t, err)
			for i, disk := range order {
				require.NotNil(t, backupDisks(t, h), "freed before event %d", i)
				require.NoError(t, h.d.NotifyBlockjobEnd(ctx, "vm1", id, disk, states[disk]))
			}
			assert.Nil(t, backupDisks(t, h))
			assert.Len(t, h.mon.detached, 3, "each store released once")
			assert.Len(t, h.gate.revoked, 3)

			err = h.d.NotifyBlockjobEnd(ctx, "vm1", id, "vda", backup.DiskComplete)
			assert.True(t, types.IsCode(err, types.CodeNoBackup), "late event after termination")
			assert.Len(t, h.mon.detached, 3)
		})
	}
}

func TestEvents_DriveReconciler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	_, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)

	h.mon.emit(monitor.JobEvent{Job: "backup-vda-backup1-vda-format", Status: monitor.JobCompleted})
	h.mon.emit(monitor.JobEvent{Job: "backup-vdb-backup1-vdb-format", Status: monitor.JobFailed, Error: "EIO"})
	h.mon.emit(monitor.JobEvent{Job: "unrelated", Status: monitor.JobCompleted})

	assert.Eventually(t, func() bool { return backupDisks(t, h) == nil }, 5*time.Second, 10*time.Millisecond)
}

// --- recovery ---

func TestRecover_ResumesActiveBackup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	id, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	require.NoError(t, h.d.Close())

	d2 := h.driver(t)
	require.NoError(t, d2.Recover(ctx))
	info, err := d2.Inspect(ctx, "vm1")
	require.NoError(t, err)
	require.NotNil(t, info.Backup)
	assert.Equal(t, id, info.Backup.ID)

	require.NoError(t, d2.NotifyBlockjobEnd(ctx, "vm1", id, "vda", backup.DiskComplete))
	require.NoError(t, d2.NotifyBlockjobEnd(ctx, "vm1", id, "vdb", backup.DiskComplete))
	info, err = d2.Inspect(ctx, "vm1")
	require.NoError(t, err)
	assert.Nil(t, info.Backup)

	id2, err := d2.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	assert.Greater(t, id2, id)
}

func TestRecover_DropsUnreachable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.define(t)
	_, err := h.d.BackupBegin(ctx, "vm1", pushXML, "")
	require.NoError(t, err)
	require.NoError(t, h.d.Close())

	h.setAlive(false)
	d2 := h.driver(t)
	require.NoError(t, d2.Recover(ctx))
	_, err = os.Stat(h.conf.BackupStatusFile("vm1"))
	assert.True(t, os.IsNotExist(err))
}
