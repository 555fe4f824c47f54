package qemu

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cocoonstack/vmbackup/config"
	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/types"
)

// fakeMonitor keeps just enough state to model bitmaps and block nodes.
type fakeMonitor struct {
	mu sync.Mutex

	caps   monitor.Capabilities
	blocks []monitor.BlockInfo
	nodes  map[string]*monitor.NodeInfo

	txs      []*monitor.Actions
	calls    []string
	exports  []string
	detached []string
	removed  []string
	canceled []string

	failTx     error
	failAttach map[string]error
	failCancel map[string]error
	failExport error

	events chan monitor.JobEvent
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		caps: monitor.Capabilities{IncrementalBackup: true},
		blocks: []monitor.BlockInfo{
			{Device: "vda", NodeName: "node-vda", File: "/images/vda.qcow2"},
			{Device: "vdb", NodeName: "node-vdb", File: "/images/vdb.qcow2"},
		},
		nodes: map[string]*monitor.NodeInfo{
			"node-vda": {Name: "node-vda", Capacity: 10 << 30},
			"node-vdb": {Name: "node-vdb", Capacity: 20 << 30},
		},
		failAttach: map[string]error{},
		failCancel: map[string]error{},
	}
}

func (f *fakeMonitor) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeMonitor) Transaction(_ context.Context, actions *monitor.Actions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("transaction")
	f.txs = append(f.txs, actions)
	if f.failTx != nil {
		return f.failTx
	}
	for _, a := range actions.List {
		node := f.nodes[a.Node]
		if node == nil {
			continue
		}
		switch a.Kind {
		case monitor.ActionAddBitmap:
			node.Bitmaps = append(node.Bitmaps, monitor.BitmapInfo{Name: a.Bitmap, Persistent: a.Persistent, Recording: !a.Disabled})
		case monitor.ActionMergeBitmap:
			if bm := node.Bitmap(a.Bitmap); bm != nil {
				for _, src := range a.Sources {
					if sn := f.nodes[src.Node]; sn != nil && sn.Bitmap(src.Name) != nil {
						bm.Count += sn.Bitmap(src.Name).Count
					}
				}
			}
		case monitor.ActionEnableBitmap, monitor.ActionDisableBitmap:
			if bm := node.Bitmap(a.Bitmap); bm != nil {
				bm.Recording = a.Kind == monitor.ActionEnableBitmap
			}
		case monitor.ActionRemoveBitmap:
			node.Bitmaps = slices.DeleteFunc(node.Bitmaps, func(b monitor.BitmapInfo) bool { return b.Name == a.Bitmap })
		}
	}
	return nil
}

func (f *fakeMonitor) QueryBlock(context.Context) ([]monitor.BlockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.blocks), nil
}

func (f *fakeMonitor) QueryNamedNodes(context.Context) (map[string]*monitor.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*monitor.NodeInfo, len(f.nodes))
	for name, n := range f.nodes {
		c := *n
		c.Bitmaps = slices.Clone(n.Bitmaps)
		out[name] = &c
	}
	return out, nil
}

func (f *fakeMonitor) AttachStore(_ context.Context, spec monitor.StoreSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("attach " + spec.Node)
	if err := f.failAttach[spec.Node]; err != nil {
		return err
	}
	f.nodes[spec.Node] = &monitor.NodeInfo{Name: spec.Node, Capacity: spec.Source.Capacity}
	return nil
}

func (f *fakeMonitor) DetachStore(_ context.Context, node string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("detach " + node)
	f.detached = append(f.detached, node)
	delete(f.nodes, node)
	return nil
}

func (f *fakeMonitor) RemoveBitmap(_ context.Context, node, bitmap string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, node+"/"+bitmap)
	if n := f.nodes[node]; n != nil {
		n.Bitmaps = slices.DeleteFunc(n.Bitmaps, func(b monitor.BitmapInfo) bool { return b.Name == bitmap })
	}
	return nil
}

func (f *fakeMonitor) StartExportServer(_ context.Context, srv monitor.ExportServer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("nbd-start " + srv.Transport)
	return nil
}

func (f *fakeMonitor) AddExport(_ context.Context, node, name string, _ bool, bitmap string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("nbd-add " + name)
	if f.failExport != nil {
		return f.failExport
	}
	f.exports = append(f.exports, node+"="+name+"@"+bitmap)
	return nil
}

func (f *fakeMonitor) StopExportServer(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("nbd-stop")
	return nil
}

func (f *fakeMonitor) CancelJob(_ context.Context, job string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("cancel " + job)
	if err := f.failCancel[job]; err != nil {
		return err
	}
	f.canceled = append(f.canceled, job)
	return nil
}

func (f *fakeMonitor) Capabilities(context.Context) (monitor.Capabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps, nil
}

func (f *fakeMonitor) Events(ctx context.Context) (<-chan monitor.JobEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan monitor.JobEvent, 8) //nolint:mnd
	f.events = ch
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.events == ch {
			f.events = nil
		}
		close(ch)
	}()
	return ch, nil
}

func (f *fakeMonitor) emit(ev monitor.JobEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		f.events <- ev
	}
}

func (f *fakeMonitor) Close() error { return nil }

func (f *fakeMonitor) bitmap(node, name string) *monitor.BitmapInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.nodes[node]; n != nil {
		if bm := n.Bitmap(name); bm != nil {
			c := *bm
			return &c
		}
	}
	return nil
}

func (f *fakeMonitor) lastTx() []monitor.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1].List
}

type fakeGate struct {
	mu      sync.Mutex
	allowed map[string]int
	revoked []string
	failOn  string
}

func (g *fakeGate) Allow(_ context.Context, src *types.StorageSource, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if src.Path == g.failOn {
		return types.Errorf(types.CodeSystem, "unable to set owner of '%s'", src.Path)
	}
	g.allowed[src.Path]++
	return nil
}

func (g *fakeGate) Revoke(_ context.Context, src *types.StorageSource) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[src.Path]--
	g.revoked = append(g.revoked, src.Path)
	return nil
}

type fakeFiles struct {
	mu        sync.Mutex
	existing  map[string]bool
	formatted map[string]uint64
	unlinked  []string
}

func (p *fakeFiles) Exists(src *types.StorageSource) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.existing[src.Path], nil
}

func (p *fakeFiles) Create(src *types.StorageSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.existing[src.Path] = true
	return nil
}

func (p *fakeFiles) Format(_ context.Context, src *types.StorageSource, capacity uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.formatted[src.Path] = capacity
	return nil
}

func (p *fakeFiles) Unlink(src *types.StorageSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.existing, src.Path)
	p.unlinked = append(p.unlinked, src.Path)
	return nil
}

type harness struct {
	conf  *config.Config
	d     *Driver
	mon   *fakeMonitor
	gate  *fakeGate
	files *fakeFiles

	mu    sync.Mutex
	alive bool
}

var testNow = time.Unix(1700000000, 0)

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	conf := config.DefaultConfig()
	conf.RootDir = dir
	conf.RunDir = filepath.Join(dir, "run")
	conf.LogDir = filepath.Join(dir, "log")
	conf.PoolSize = 2
	h := &harness{
		conf:  conf,
		mon:   newFakeMonitor(),
		gate:  &fakeGate{allowed: map[string]int{}},
		files: &fakeFiles{existing: map[string]bool{}, formatted: map[string]uint64{}},
		alive: true,
	}
	h.d = h.driver(t)
	return h
}

// driver builds a Driver over the harness state; several may share it.
func (h *harness) driver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(h.conf, Deps{
		Monitors: func(context.Context, *hypervisor.DomainRecord) (monitor.Monitor, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if !h.alive {
				return nil, errors.New("connection refused")
			}
			return h.mon, nil
		},
		Gate:  h.gate,
		Files: h.files,
		Now:   func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func (h *harness) setAlive(alive bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = alive
}

func testDomain() *types.Domain {
	return &types.Domain{
		Type: "kvm",
		Name: "vm1",
		Disks: []*types.Disk{
			{Target: "vda", Bus: "virtio", Device: "disk", Source: &types.StorageSource{Type: types.StorageFile, Path: "/images/vda.qcow2", Format: types.FormatQcow2}},
			{Target: "vdb", Bus: "virtio", Device: "disk", Source: &types.StorageSource{Type: types.StorageFile, Path: "/images/vdb.qcow2", Format: types.FormatQcow2}},
		},
	}
}

func (h *harness) define(t *testing.T) *types.DomainInfo {
	t.Helper()
	info, err := h.d.Define(context.Background(), testDomain(), "/run/vm1/qmp.sock")
	require.NoError(t, err)
	return info
}

func actionsOf(list []monitor.Action, kind monitor.ActionKind) []monitor.Action {
	var out []monitor.Action
	for _, a := range list {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}
