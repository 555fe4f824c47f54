package config

import (
	"fmt"
	"os/user"
	"runtime"
	"strconv"

	coretypes "github.com/projecteru2/core/types"
)

const (
	defaultRootDir = "/var/lib/vmbackup"
	defaultRunDir  = "/var/lib/vmbackup/run"
	defaultLogDir  = "/var/log/vmbackup"
)

// Config holds global vmbackup configuration.
type Config struct {
	// RootDir is the base directory for persistent data (domain index,
	// checkpoint metadata, owner memory).
	// Env: VMBACKUP_ROOT_DIR. Default: /var/lib/vmbackup.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir holds runtime state: the daemon socket, QMP sockets and
	// active backup status files. Contents may not survive reboots.
	// Env: VMBACKUP_RUN_DIR. Default: /var/lib/vmbackup/run.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// LogDir is the base directory for daemon logs.
	// Env: VMBACKUP_LOG_DIR. Default: /var/log/vmbackup.
	LogDir string `json:"log_dir" mapstructure:"log_dir"`
	// QemuImgBinary is the path or name of the qemu-img executable used to
	// format backup targets and scratch files. Default: "qemu-img".
	QemuImgBinary string `json:"qemu_img_binary" mapstructure:"qemu_img_binary"`
	// QMPDialTimeoutSeconds bounds connecting to a domain's monitor socket.
	// Commands on an established connection have no deadline.
	// Default: 5.
	QMPDialTimeoutSeconds int `json:"qmp_dial_timeout_seconds" mapstructure:"qmp_dial_timeout_seconds"`
	// PoolSize is the goroutine pool size for block job event dispatch.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// DynamicOwnership makes the daemon chown images to the QEMU user while
	// a backup uses them and restore the previous owner afterwards.
	// Env: VMBACKUP_DYNAMIC_OWNERSHIP. Default: true.
	DynamicOwnership bool `json:"dynamic_ownership" mapstructure:"dynamic_ownership"`
	// QemuUser and QemuGroup name the account QEMU runs as. Numeric ids are
	// accepted. Default: "qemu".
	QemuUser  string `json:"qemu_user" mapstructure:"qemu_user"`
	QemuGroup string `json:"qemu_group" mapstructure:"qemu_group"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns the built-in defaults. Callers overlay file, env and
// flag values on top of it.
func DefaultConfig() *Config {
	return &Config{
		RootDir:               defaultRootDir,
		RunDir:                defaultRunDir,
		LogDir:                defaultLogDir,
		QemuImgBinary:         "qemu-img",
		QMPDialTimeoutSeconds: 5, //nolint:mnd
		PoolSize:              runtime.NumCPU(),
		DynamicOwnership:      true,
		QemuUser:              "qemu",
		QemuGroup:             "qemu",
		Log:                   coretypes.ServerLogConfig{Level: "info"},
	}
}

// Normalize fills zero values left by partial configuration.
func (c *Config) Normalize() {
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.QMPDialTimeoutSeconds <= 0 {
		c.QMPDialTimeoutSeconds = 5 //nolint:mnd
	}
	if c.QemuImgBinary == "" {
		c.QemuImgBinary = "qemu-img"
	}
}

// QemuIDs resolves QemuUser and QemuGroup to numeric ids.
func (c *Config) QemuIDs() (uid, gid int, err error) {
	if uid, err = lookupID(c.QemuUser, func(name string) (string, error) {
		u, err := user.Lookup(name)
		if err != nil {
			return "", err
		}
		return u.Uid, nil
	}); err != nil {
		return -1, -1, fmt.Errorf("resolve qemu user %q: %w", c.QemuUser, err)
	}
	if gid, err = lookupID(c.QemuGroup, func(name string) (string, error) {
		g, err := user.LookupGroup(name)
		if err != nil {
			return "", err
		}
		return g.Gid, nil
	}); err != nil {
		return -1, -1, fmt.Errorf("resolve qemu group %q: %w", c.QemuGroup, err)
	}
	return uid, gid, nil
}

func lookupID(name string, lookup func(string) (string, error)) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	id, err := lookup(name)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(id)
}
