// Package qmp implements monitor.Monitor over the QEMU Machine Protocol.
package qmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goqmp "github.com/digitalocean/go-qemu/qmp"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/types"
)

// commands that incremental backup needs.
var requiredCommands = []string{
	"transaction",
	"blockdev-add",
	"blockdev-backup",
	"block-dirty-bitmap-merge",
	"nbd-server-add",
	"job-cancel",
}

var _ monitor.Monitor = (*Monitor)(nil)

// Monitor is a QMP connection. Commands are serialized on one socket.
type Monitor struct {
	mu     sync.Mutex
	mon    goqmp.Monitor
	closed bool
}

// Dial connects to the QMP socket of a running domain.
func Dial(socketPath string, timeout time.Duration) (*Monitor, error) {
	mon, err := goqmp.NewSocketMonitor("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial qmp %s: %w", socketPath, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("qmp handshake %s: %w", socketPath, err)
	}
	return New(mon), nil
}

// New wraps an already connected go-qemu monitor.
func New(mon goqmp.Monitor) *Monitor {
	return &Monitor{mon: mon}
}

func (m *Monitor) execute(ctx context.Context, cmd string, args, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req, err := json.Marshal(goqmp.Command{Execute: cmd, Args: args})
	if err != nil {
		return types.Wrap(types.CodeInternal, err, "encode %s", cmd)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.Wrap(types.CodeOperationFailed, monitor.ErrClosed, "%s", cmd)
	}
	log.WithFunc("qmp.execute").Debugf(ctx, "-> %s", req)
	resp, err := m.mon.Run(req)
	if err != nil {
		return types.Wrap(types.CodeOperationFailed, err, "%s", cmd)
	}
	if out == nil {
		return nil
	}
	var r struct {
		Return json.RawMessage `json:"return"`
	}
	if err := json.Unmarshal(resp, &r); err != nil {
		return types.Wrap(types.CodeOperationFailed, err, "decode %s reply", cmd)
	}
	if err := json.Unmarshal(r.Return, out); err != nil {
		return types.Wrap(types.CodeOperationFailed, err, "decode %s result", cmd)
	}
	return nil
}

// Transaction implements monitor.Monitor.
func (m *Monitor) Transaction(ctx context.Context, actions *monitor.Actions) error {
	if actions == nil || actions.Len() == 0 {
		return nil
	}
	list := make([]transactionAction, 0, actions.Len())
	for _, a := range actions.List {
		ta, err := encodeAction(a)
		if err != nil {
			return err
		}
		list = append(list, ta)
	}
	return m.execute(ctx, "transaction", map[string]any{"actions": list}, nil)
}

// QueryBlock implements monitor.Monitor.
func (m *Monitor) QueryBlock(ctx context.Context) ([]monitor.BlockInfo, error) {
	var raw []blockInfo
	if err := m.execute(ctx, "query-block", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]monitor.BlockInfo, 0, len(raw))
	for _, b := range raw {
		info := monitor.BlockInfo{Device: b.Device}
		if info.Device == "" {
			info.Device = b.QDev
		}
		if b.Inserted != nil {
			info.NodeName, info.File = b.Inserted.NodeName, b.Inserted.File
		}
		out = append(out, info)
	}
	return out, nil
}

// QueryNamedNodes implements monitor.Monitor.
func (m *Monitor) QueryNamedNodes(ctx context.Context) (map[string]*monitor.NodeInfo, error) {
	var raw []namedNode
	if err := m.execute(ctx, "query-named-block-nodes", map[string]any{"flat": true}, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]*monitor.NodeInfo, len(raw))
	for _, n := range raw {
		if n.NodeName == "" {
			continue
		}
		info := &monitor.NodeInfo{Name: n.NodeName}
		if n.Image != nil {
			info.Capacity = n.Image.VirtualSize
		}
		for _, b := range n.DirtyBitmaps {
			info.Bitmaps = append(info.Bitmaps, monitor.BitmapInfo{
				Name: b.Name, Count: b.Count, Recording: b.Recording, Persistent: b.Persistent,
			})
		}
		out[n.NodeName] = info
	}
	return out, nil
}

// AttachStore implements monitor.Monitor. The image is opened as a
// protocol node "<node>-storage" with the format node on top.
func (m *Monitor) AttachStore(ctx context.Context, spec monitor.StoreSpec) error {
	proto, err := protocolNode(spec)
	if err != nil {
		return err
	}
	if err := m.execute(ctx, "blockdev-add", proto, nil); err != nil {
		return err
	}
	format := spec.Source.Format
	if format == "" {
		format = types.FormatQcow2
	}
	fmtNode := map[string]any{
		"driver":    format,
		"node-name": spec.Node,
		"file":      storageNode(spec.Node),
	}
	if err := m.execute(ctx, "blockdev-add", fmtNode, nil); err != nil {
		if delErr := m.execute(ctx, "blockdev-del", map[string]any{"node-name": storageNode(spec.Node)}, nil); delErr != nil {
			log.WithFunc("qmp.AttachStore").Warnf(ctx, "drop protocol node of %s: %v", spec.Node, delErr)
		}
		return err
	}
	return nil
}

// DetachStore implements monitor.Monitor.
func (m *Monitor) DetachStore(ctx context.Context, node string) error {
	return errors.Join(
		m.execute(ctx, "blockdev-del", map[string]any{"node-name": node}, nil),
		m.execute(ctx, "blockdev-del", map[string]any{"node-name": storageNode(node)}, nil),
	)
}

// RemoveBitmap implements monitor.Monitor.
func (m *Monitor) RemoveBitmap(ctx context.Context, node, bitmap string) error {
	return m.execute(ctx, "block-dirty-bitmap-remove", bitmapArgs{Node: node, Name: bitmap}, nil)
}

// StartExportServer implements monitor.Monitor.
func (m *Monitor) StartExportServer(ctx context.Context, srv monitor.ExportServer) error {
	var addr map[string]any
	switch srv.Transport {
	case "unix":
		addr = map[string]any{"type": "unix", "data": map[string]any{"path": srv.Socket}}
	case "tcp", "":
		addr = map[string]any{"type": "inet", "data": map[string]any{
			"host": srv.Host, "port": strconv.FormatUint(uint64(srv.Port), 10),
		}}
	default:
		return types.Errorf(types.CodeInternal, "unexpected export transport %s", srv.Transport)
	}
	return m.execute(ctx, "nbd-server-start", map[string]any{"addr": addr}, nil)
}

// AddExport implements monitor.Monitor.
func (m *Monitor) AddExport(ctx context.Context, node, name string, writable bool, bitmap string) error {
	args := map[string]any{"device": node, "name": name, "writable": writable}
	if bitmap != "" {
		args["bitmap"] = bitmap
	}
	return m.execute(ctx, "nbd-server-add", args, nil)
}

// StopExportServer implements monitor.Monitor.
func (m *Monitor) StopExportServer(ctx context.Context) error {
	return m.execute(ctx, "nbd-server-stop", nil, nil)
}

// CancelJob implements monitor.Monitor.
func (m *Monitor) CancelJob(ctx context.Context, job string) error {
	return m.execute(ctx, "job-cancel", map[string]any{"id": job}, nil)
}

// Capabilities implements monitor.Monitor.
func (m *Monitor) Capabilities(ctx context.Context) (monitor.Capabilities, error) {
	var cmds []struct {
		Name string `json:"name"`
	}
	if err := m.execute(ctx, "query-commands", nil, &cmds); err != nil {
		return monitor.Capabilities{}, err
	}
	have := make(map[string]struct{}, len(cmds))
	for _, c := range cmds {
		have[c.Name] = struct{}{}
	}
	for _, name := range requiredCommands {
		if _, ok := have[name]; !ok {
			return monitor.Capabilities{}, nil
		}
	}
	return monitor.Capabilities{IncrementalBackup: true}, nil
}

// Close implements monitor.Monitor.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.mon.Disconnect()
}

func storageNode(node string) string { return node + "-storage" }

func protocolNode(spec monitor.StoreSpec) (map[string]any, error) {
	src := spec.Source
	if src == nil {
		return nil, types.Errorf(types.CodeInternal, "store for %s has no source", spec.Node)
	}
	n := map[string]any{"node-name": storageNode(spec.Node)}
	switch src.Type {
	case types.StorageFile:
		n["driver"], n["filename"] = "file", src.Path
	case types.StorageBlock:
		n["driver"], n["filename"] = "host_device", src.Path
	case types.StorageNetwork:
		if src.Protocol != "nbd" {
			return nil, types.Errorf(types.CodeOperationUnsupported, "unsupported network protocol '%s' for backup store", src.Protocol)
		}
		n["driver"], n["export"] = "nbd", src.Path
		n["server"] = map[string]any{"type": "inet", "host": src.Host, "port": strconv.FormatUint(uint64(src.Port), 10)}
	default:
		return nil, types.Errorf(types.CodeOperationUnsupported, "unsupported storage type '%s' for backup store", src.Type)
	}
	return n, nil
}
