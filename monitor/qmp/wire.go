package qmp

import (
	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/types"
)

type transactionAction struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type bitmapArgs struct {
	Node string `json:"node"`
	Name string `json:"name"`
}

type bitmapAddArgs struct {
	Node       string `json:"node"`
	Name       string `json:"name"`
	Persistent bool   `json:"persistent"`
	Disabled   bool   `json:"disabled"`
}

type bitmapMergeArgs struct {
	Node    string       `json:"node"`
	Target  string       `json:"target"`
	Bitmaps []bitmapArgs `json:"bitmaps"`
}

type backupArgs struct {
	JobID  string `json:"job-id"`
	Device string `json:"device"`
	Target string `json:"target"`
	Sync   string `json:"sync"`
	Bitmap string `json:"bitmap,omitempty"`
}

type blockInfo struct {
	Device   string `json:"device"`
	QDev     string `json:"qdev"`
	Inserted *struct {
		NodeName string `json:"node-name"`
		File     string `json:"file"`
	} `json:"inserted"`
}

type namedNode struct {
	NodeName string `json:"node-name"`
	Image    *struct {
		VirtualSize uint64 `json:"virtual-size"`
	} `json:"image"`
	DirtyBitmaps []struct {
		Name       string `json:"name"`
		Count      uint64 `json:"count"`
		Recording  bool   `json:"recording"`
		Persistent bool   `json:"persistent"`
	} `json:"dirty-bitmaps"`
}

func encodeAction(a monitor.Action) (transactionAction, error) {
	ta := transactionAction{Type: string(a.Kind)}
	switch a.Kind {
	case monitor.ActionAddBitmap:
		ta.Data = bitmapAddArgs{Node: a.Node, Name: a.Bitmap, Persistent: a.Persistent, Disabled: a.Disabled}
	case monitor.ActionMergeBitmap:
		args := bitmapMergeArgs{Node: a.Node, Target: a.Bitmap, Bitmaps: make([]bitmapArgs, 0, len(a.Sources))}
		for _, src := range a.Sources {
			args.Bitmaps = append(args.Bitmaps, bitmapArgs{Node: src.Node, Name: src.Name})
		}
		ta.Data = args
	case monitor.ActionDisableBitmap, monitor.ActionEnableBitmap, monitor.ActionRemoveBitmap:
		ta.Data = bitmapArgs{Node: a.Node, Name: a.Bitmap}
	case monitor.ActionBackup:
		args := backupArgs{JobID: a.JobID, Device: a.Node, Target: a.Target, Sync: string(a.Sync)}
		if a.Sync == monitor.SyncIncremental {
			args.Bitmap = a.Bitmap
		}
		ta.Data = args
	default:
		return ta, types.Errorf(types.CodeInternal, "unknown transaction action %s", a.Kind)
	}
	return ta, nil
}
