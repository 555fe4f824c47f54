package hypervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/cocoonstack/vmbackup/types"
)

// DomainRecord is the persisted record for a single domain.
type DomainRecord struct {
	types.Domain

	// QMPSocket is the monitor socket of the running hypervisor process.
	QMPSocket string `json:"qmp_socket"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DomainIndex is the top-level DB structure for a hypervisor backend.
type DomainIndex struct {
	Domains map[string]*DomainRecord `json:"domains"` // UUID → record
	Names   map[string]string        `json:"names"`   // name → UUID
}

// Init implements storage.Initer.
func (idx *DomainIndex) Init() {
	if idx.Domains == nil {
		idx.Domains = make(map[string]*DomainRecord)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
}

// ResolveDomainRef resolves a ref (exact UUID, name, or UUID prefix ≥3 chars)
// to a full domain UUID.
func ResolveDomainRef(idx *DomainIndex, ref string) (string, error) {
	if idx.Domains[ref] != nil {
		return ref, nil
	}
	if id, ok := idx.Names[ref]; ok && idx.Domains[id] != nil {
		return id, nil
	}
	if len(ref) >= 3 {
		var match string
		for id := range idx.Domains {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous ref %q: multiple matches", ref)
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", ErrNotFound
}
