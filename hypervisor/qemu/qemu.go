// Package qemu implements the backup and checkpoint engine for QEMU domains
// reachable over QMP.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/config"
	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/lock/flock"
	"github.com/cocoonstack/vmbackup/lock/job"
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/monitor"
	"github.com/cocoonstack/vmbackup/monitor/qmp"
	"github.com/cocoonstack/vmbackup/security"
	"github.com/cocoonstack/vmbackup/security/dac"
	"github.com/cocoonstack/vmbackup/storage"
	storejson "github.com/cocoonstack/vmbackup/storage/json"
	"github.com/cocoonstack/vmbackup/storagefile"
)

const typ = "qemu"

var _ hypervisor.Hypervisor = (*Driver)(nil)

// MonitorFactory connects to the monitor of a domain. It fails when the
// domain is not running.
type MonitorFactory func(ctx context.Context, rec *hypervisor.DomainRecord) (monitor.Monitor, error)

// Deps are the collaborators of a Driver. Zero fields get production
// defaults derived from the config.
type Deps struct {
	Monitors MonitorFactory
	Gate     security.Gate
	Files    storagefile.Provisioner
	Now      func() time.Time
}

// Driver implements hypervisor.Hypervisor for QEMU.
type Driver struct {
	conf  *config.Config
	store storage.Store[hypervisor.DomainIndex]
	locks *job.Table
	dial  MonitorFactory
	gate  security.Gate
	files storagefile.Provisioner
	pool  *ants.Pool
	now   func() time.Time

	// ctx scopes the event loops; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	domains map[string]*domainObj // UUID → runtime state
}

// New creates a QEMU driver.
func New(conf *config.Config, deps Deps) (*Driver, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	if deps.Monitors == nil {
		timeout := time.Duration(conf.QMPDialTimeoutSeconds) * time.Second
		deps.Monitors = func(_ context.Context, rec *hypervisor.DomainRecord) (monitor.Monitor, error) {
			return qmp.Dial(rec.QMPSocket, timeout)
		}
	}
	if deps.Gate == nil {
		gate, err := defaultGate(conf)
		if err != nil {
			return nil, err
		}
		deps.Gate = gate
	}
	if deps.Files == nil {
		deps.Files = storagefile.NewLocal(conf.QemuImgBinary)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	pool, err := ants.NewPool(conf.PoolSize, ants.WithPanicHandler(func(p any) {
		log.WithFunc("qemu.pool").Errorf(context.Background(), fmt.Errorf("%v", p), "event handler panic")
	}))
	if err != nil {
		return nil, fmt.Errorf("create event pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		conf:    conf,
		store:   storejson.New[hypervisor.DomainIndex](conf.DomainIndexFile(), flock.New(conf.DomainIndexLock())),
		locks:   job.NewTable(),
		dial:    deps.Monitors,
		gate:    deps.Gate,
		files:   deps.Files,
		pool:    pool,
		now:     deps.Now,
		ctx:     ctx,
		cancel:  cancel,
		domains: make(map[string]*domainObj),
	}, nil
}

func defaultGate(conf *config.Config) (security.Gate, error) {
	if !conf.DynamicOwnership {
		return security.Nop{}, nil
	}
	uid, gid, err := conf.QemuIDs()
	if err != nil {
		return nil, err
	}
	owners := storejson.New[dac.OwnerIndex](conf.OwnerIndexFile(), flock.New(conf.OwnerIndexLock()))
	return dac.New(uid, gid, owners), nil
}

func (d *Driver) Type() string { return typ }

// Close stops the event loops and drops every monitor connection. Active
// backups keep running inside QEMU and are picked up again by Recover.
func (d *Driver) Close() error {
	d.cancel()
	d.mu.Lock()
	objs := make([]*domainObj, 0, len(d.domains))
	for _, obj := range d.domains {
		objs = append(objs, obj)
	}
	d.mu.Unlock()

	var errs []error
	for _, obj := range objs {
		if mon := obj.takeMonitor(); mon != nil {
			errs = append(errs, mon.Close())
		}
	}
	d.pool.Release()
	return errors.Join(errs...)
}

// domainObj is the in-memory state of one domain. Everything except mon
// is guarded by the domain job lock.
type domainObj struct {
	uuid string
	name string
	lock *job.Lock

	checkpoints *moment.Set
	loaded      bool

	backup       *backupJob
	nextBackupID int
	// jobs maps block job names of the active backup to their disk.
	jobs map[string]*diskData

	monMu sync.Mutex
	mon   monitor.Monitor
}

func (o *domainObj) monitor() monitor.Monitor {
	o.monMu.Lock()
	defer o.monMu.Unlock()
	return o.mon
}

func (o *domainObj) takeMonitor() monitor.Monitor {
	o.monMu.Lock()
	defer o.monMu.Unlock()
	mon := o.mon
	o.mon = nil
	return mon
}

// dropMonitor forgets mon if it is still the cached connection.
func (o *domainObj) dropMonitor(mon monitor.Monitor) bool {
	o.monMu.Lock()
	defer o.monMu.Unlock()
	if o.mon != mon {
		return false
	}
	o.mon = nil
	return true
}

func (d *Driver) object(rec *hypervisor.DomainRecord) *domainObj {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.domains[rec.UUID]
	if !ok {
		obj = &domainObj{
			uuid:        rec.UUID,
			name:        rec.Name,
			lock:        d.locks.Get(rec.UUID),
			checkpoints: moment.NewSet(),
			jobs:        make(map[string]*diskData),
		}
		d.domains[rec.UUID] = obj
	}
	return obj
}

func (d *Driver) forget(uuid string) *domainObj {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj := d.domains[uuid]
	delete(d.domains, uuid)
	return obj
}

// acquire resolves ref, takes the domain job lock and makes sure the
// checkpoint metadata is loaded. The returned release must be called.
func (d *Driver) acquire(ctx context.Context, ref string) (*domainObj, *hypervisor.DomainRecord, func(), error) {
	rec, err := d.loadRecord(ctx, ref)
	if err != nil {
		return nil, nil, nil, err
	}
	obj := d.object(rec)
	if err := obj.lock.Lock(ctx); err != nil {
		return nil, nil, nil, err
	}
	release := func() { _ = obj.lock.Unlock(ctx) }
	if !obj.loaded {
		if err := d.loadCheckpoints(ctx, obj); err != nil {
			release()
			return nil, nil, nil, err
		}
		obj.loaded = true
	}
	return obj, rec, release, nil
}

// monitorOf returns the cached monitor of a domain or connects a new one
// and starts its event loop. hypervisor.ErrNotRunning means no process
// answers.
func (d *Driver) monitorOf(ctx context.Context, obj *domainObj, rec *hypervisor.DomainRecord) (monitor.Monitor, error) {
	if mon := obj.monitor(); mon != nil {
		return mon, nil
	}
	mon, err := d.dial(ctx, rec)
	if err != nil {
		log.WithFunc("qemu.monitorOf").Debugf(ctx, "connect %s: %v", rec.Name, err)
		return nil, fmt.Errorf("%w: %w", hypervisor.ErrNotRunning, err)
	}
	obj.monMu.Lock()
	obj.mon = mon
	obj.monMu.Unlock()
	if err := d.watch(obj, mon); err != nil {
		obj.dropMonitor(mon)
		_ = mon.Close()
		return nil, fmt.Errorf("%w: %w", hypervisor.ErrNotRunning, err)
	}
	return mon, nil
}
