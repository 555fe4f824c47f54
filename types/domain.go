package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	godigest "github.com/opencontainers/go-digest"
)

// Domain is the snapshot of a domain's disk configuration the engine works
// against. Checkpoints embed one to remember the layout they were taken on.
type Domain struct {
	Type  string  `json:"type,omitempty"`
	Name  string  `json:"name"`
	UUID  string  `json:"uuid"`
	Disks []*Disk `json:"disks"`
}

// DiskIndexByName resolves a disk by target name, or by source path when name
// is absolute. Returns -1 when nothing matches.
func (d *Domain) DiskIndexByName(name string) int {
	if d == nil {
		return -1
	}
	byPath := strings.HasPrefix(name, "/")
	for i, disk := range d.Disks {
		if disk.Target == name {
			return i
		}
		if byPath && disk.Source != nil && disk.Source.IsLocal() && disk.Source.Path == name {
			return i
		}
	}
	return -1
}

// DiskByTarget returns the disk whose target equals name.
func (d *Domain) DiskByTarget(name string) *Disk {
	if d == nil {
		return nil
	}
	for _, disk := range d.Disks {
		if disk.Target == name {
			return disk
		}
	}
	return nil
}

// SameUUID reports whether other names the same domain identity.
// Unparsable UUIDs never match.
func (d *Domain) SameUUID(other string) bool {
	a, err := uuid.Parse(d.UUID)
	if err != nil {
		return false
	}
	b, err := uuid.Parse(other)
	if err != nil {
		return false
	}
	return a == b
}

// Fingerprint digests the guest-visible disk layout. Two domains with equal
// fingerprints are ABI compatible as far as checkpoints are concerned.
func (d *Domain) Fingerprint() godigest.Digest {
	var b strings.Builder
	fmt.Fprintf(&b, "type=%s\n", d.Type)
	for _, disk := range d.Disks {
		fmt.Fprintf(&b, "disk=%s bus=%s device=%s\n", disk.Target, disk.Bus, disk.Device)
	}
	return godigest.FromString(b.String())
}

// CheckABIStability fails when next cannot stand in for d.
func (d *Domain) CheckABIStability(next *Domain) error {
	if len(d.Disks) != len(next.Disks) {
		return Errorf(CodeConfigUnsupported,
			"target domain disk count %d does not match source %d", len(next.Disks), len(d.Disks))
	}
	if d.Fingerprint() != next.Fingerprint() {
		return Errorf(CodeConfigUnsupported, "target domain disk layout does not match source")
	}
	return nil
}

// Clone returns a detached copy.
func (d *Domain) Clone() *Domain {
	if d == nil {
		return nil
	}
	c := *d
	c.Disks = make([]*Disk, len(d.Disks))
	for i, disk := range d.Disks {
		c.Disks[i] = disk.Clone()
	}
	return &c
}
