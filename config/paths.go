package config

import (
	"path/filepath"

	"github.com/cocoonstack/vmbackup/utils"
)

// EnsureDirs creates the static directories the daemon and CLI write to.
// Per-domain directories are created on demand.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.dbDir(),
		c.CheckpointRoot(),
		c.RunDir,
		c.LogDir,
	)
}

// Derived path helpers. Persistent data lives under {RootDir}.

func (c *Config) dbDir() string { return filepath.Join(c.RootDir, "db") }

// DomainIndexFile and DomainIndexLock are the domain index store paths.
func (c *Config) DomainIndexFile() string { return filepath.Join(c.dbDir(), "domains.json") }
func (c *Config) DomainIndexLock() string { return filepath.Join(c.dbDir(), "domains.lock") }

// OwnerIndexFile and OwnerIndexLock remember image owners replaced by the DAC gate.
func (c *Config) OwnerIndexFile() string { return filepath.Join(c.dbDir(), "owners.json") }
func (c *Config) OwnerIndexLock() string { return filepath.Join(c.dbDir(), "owners.lock") }

// CheckpointRoot holds one metadata directory per domain.
func (c *Config) CheckpointRoot() string { return filepath.Join(c.RootDir, "checkpoints") }

// CheckpointDir holds the checkpoint metadata files of one domain.
func (c *Config) CheckpointDir(domain string) string {
	return filepath.Join(c.CheckpointRoot(), domain)
}

// Runtime paths (under RunDir, ephemeral).

// APISocket is the daemon's unix socket.
func (c *Config) APISocket() string { return filepath.Join(c.RunDir, "vmbackup.sock") }

// DomainRunDir holds per-domain runtime state.
func (c *Config) DomainRunDir(domain string) string { return filepath.Join(c.RunDir, domain) }

// BackupStatusFile holds the internal XML of a domain's active backup.
func (c *Config) BackupStatusFile(domain string) string {
	return filepath.Join(c.DomainRunDir(domain), "backup.xml")
}

// DefaultQMPSocket is used for domains defined without an explicit monitor socket.
func (c *Config) DefaultQMPSocket(domain string) string {
	return filepath.Join(c.DomainRunDir(domain), "qmp.sock")
}
