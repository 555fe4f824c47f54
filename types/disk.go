package types

import "path/filepath"

// StorageType is the kind of backing a disk source or backup store uses.
type StorageType string

const (
	StorageFile    StorageType = "file"
	StorageBlock   StorageType = "block"
	StorageNetwork StorageType = "network"
)

// Image formats understood by the engine.
const (
	FormatRaw   = "raw"
	FormatQcow2 = "qcow2"
)

var knownFormats = map[string]struct{}{
	FormatRaw: {}, FormatQcow2: {}, "qed": {}, "vmdk": {}, "vdi": {}, "vpc": {}, "vhdx": {},
}

// IsKnownFormat reports whether name is an image format the engine can hand to QEMU.
func IsKnownFormat(name string) bool {
	_, ok := knownFormats[name]
	return ok
}

// ParseStorageType validates a storage type attribute.
func ParseStorageType(s string) (StorageType, bool) {
	switch t := StorageType(s); t {
	case StorageFile, StorageBlock, StorageNetwork:
		return t, true
	default:
		return "", false
	}
}

// StorageSource describes one image: a live disk source, a push target, or a pull scratch file.
type StorageSource struct {
	Type StorageType `json:"type"`
	// Path is the file path, the block device path, or the network export name.
	Path     string `json:"path,omitempty"`
	Protocol string `json:"protocol,omitempty"` // network only
	Host     string `json:"host,omitempty"`     // network only
	Port     uint   `json:"port,omitempty"`     // network only
	Format   string `json:"format,omitempty"`
	ReadOnly bool   `json:"readonly,omitempty"`

	// Runtime-only fields.
	NodeName string `json:"node_name,omitempty"` // format node name in the monitor
	Capacity uint64 `json:"capacity,omitempty"`  // virtual size in bytes
	Detected bool   `json:"detected,omitempty"`  // path was generated, not supplied
}

// IsEmpty reports whether there is no medium behind the source (e.g. an empty cdrom).
func (s *StorageSource) IsEmpty() bool {
	if s == nil {
		return true
	}
	return s.Type != StorageNetwork && s.Path == ""
}

// IsLocal reports whether the source lives on the host filesystem.
func (s *StorageSource) IsLocal() bool {
	return s != nil && (s.Type == StorageFile || s.Type == StorageBlock)
}

// IsRelative reports whether a local source uses a relative path.
func (s *StorageSource) IsRelative() bool {
	return s.IsLocal() && s.Path != "" && !filepath.IsAbs(s.Path)
}

// SupportsCreate reports whether the engine may create the image itself.
func (s *StorageSource) SupportsCreate() bool {
	return s != nil && s.Type == StorageFile
}

// Clone returns a detached copy.
func (s *StorageSource) Clone() *StorageSource {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Disk is one disk of a domain as the engine sees it.
type Disk struct {
	Target string         `json:"target"` // guest target name, e.g. "vda"
	Bus    string         `json:"bus,omitempty"`
	Device string         `json:"device,omitempty"` // disk, cdrom, ...
	Source *StorageSource `json:"source,omitempty"`
}

// Clone returns a detached copy.
func (d *Disk) Clone() *Disk {
	if d == nil {
		return nil
	}
	c := *d
	c.Source = d.Source.Clone()
	return &c
}
