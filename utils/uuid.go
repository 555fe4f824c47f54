package utils

import "github.com/google/uuid"

// DomainUUID returns a deterministic UUID v5 for a domain name, used when a
// domain is defined without an explicit <uuid>.
func DomainUUID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("vmbackup:domain:"+name)).String()
}
