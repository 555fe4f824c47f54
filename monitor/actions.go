package monitor

// ActionKind selects what an Action does.
type ActionKind string

const (
	ActionAddBitmap     ActionKind = "block-dirty-bitmap-add"
	ActionMergeBitmap   ActionKind = "block-dirty-bitmap-merge"
	ActionDisableBitmap ActionKind = "block-dirty-bitmap-disable"
	ActionEnableBitmap  ActionKind = "block-dirty-bitmap-enable"
	ActionRemoveBitmap  ActionKind = "block-dirty-bitmap-remove"
	ActionBackup        ActionKind = "blockdev-backup"
)

// SyncMode of a backup block job.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
	SyncNone        SyncMode = "none"
)

// BitmapRef names a bitmap on a node.
type BitmapRef struct {
	Node string
	Name string
}

// Action is one directive of a transaction. Only the fields its Kind
// needs are set.
type Action struct {
	Kind ActionKind
	// Node is the node the bitmap lives on, or the backup source node.
	Node       string
	Bitmap     string
	Persistent bool
	Disabled   bool
	Sources    []BitmapRef
	JobID      string
	Target     string
	Sync       SyncMode
}

// Actions is an ordered batch submitted with Monitor.Transaction.
type Actions struct {
	List []Action
}

// NewActions returns an empty batch.
func NewActions() *Actions { return &Actions{} }

// Len returns the number of queued actions.
func (a *Actions) Len() int { return len(a.List) }

func (a *Actions) AddBitmap(node, bitmap string, persistent, disabled bool) {
	a.List = append(a.List, Action{Kind: ActionAddBitmap, Node: node, Bitmap: bitmap, Persistent: persistent, Disabled: disabled})
}

// MergeBitmap merges sources into node/bitmap.
func (a *Actions) MergeBitmap(node, bitmap string, sources []BitmapRef) {
	a.List = append(a.List, Action{Kind: ActionMergeBitmap, Node: node, Bitmap: bitmap, Sources: sources})
}

func (a *Actions) DisableBitmap(node, bitmap string) {
	a.List = append(a.List, Action{Kind: ActionDisableBitmap, Node: node, Bitmap: bitmap})
}

func (a *Actions) EnableBitmap(node, bitmap string) {
	a.List = append(a.List, Action{Kind: ActionEnableBitmap, Node: node, Bitmap: bitmap})
}

func (a *Actions) RemoveBitmap(node, bitmap string) {
	a.List = append(a.List, Action{Kind: ActionRemoveBitmap, Node: node, Bitmap: bitmap})
}

// Backup starts block job jobID copying node into target. bitmap is only
// used with SyncIncremental.
func (a *Actions) Backup(jobID, node, target string, sync SyncMode, bitmap string) {
	a.List = append(a.List, Action{Kind: ActionBackup, JobID: jobID, Node: node, Target: target, Sync: sync, Bitmap: bitmap})
}
