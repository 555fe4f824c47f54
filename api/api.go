// Package api exposes the backup engine of a running daemon over a unix
// socket and provides the matching client.
package api

import "github.com/cocoonstack/vmbackup/types"

// Prefix is the path prefix of every route.
const Prefix = "/api/v1"

// DefineRequest is the body of POST /domains.
type DefineRequest struct {
	Domain    *types.Domain `json:"domain" binding:"required"`
	QMPSocket string        `json:"qmp_socket,omitempty"`
}

// BackupBeginRequest is the body of POST /domains/:ref/backups.
type BackupBeginRequest struct {
	BackupXML     string `json:"backup_xml" binding:"required"`
	CheckpointXML string `json:"checkpoint_xml,omitempty"`
}

// BackupBeginResponse carries the id of the started job.
type BackupBeginResponse struct {
	ID int `json:"id"`
}

// CheckpointCreateRequest is the body of POST /domains/:ref/checkpoints.
type CheckpointCreateRequest struct {
	XML      string `json:"xml" binding:"required"`
	Redefine bool   `json:"redefine,omitempty"`
}

// NameResponse carries a checkpoint name.
type NameResponse struct {
	Name string `json:"name"`
}

// NamesResponse carries a checkpoint listing.
type NamesResponse struct {
	Names []string `json:"names"`
}

// XMLResponse carries a backup or checkpoint document.
type XMLResponse struct {
	XML string `json:"xml"`
}

type listQuery struct {
	From        string `form:"from"`
	Roots       bool   `form:"roots"`
	Descendants bool   `form:"descendants"`
	Leaves      bool   `form:"leaves"`
	NoLeaves    bool   `form:"no_leaves"`
}

type dumpQuery struct {
	Size     bool `form:"size"`
	NoDomain bool `form:"no_domain"`
}

type deleteQuery struct {
	Children     bool `form:"children"`
	ChildrenOnly bool `form:"children_only"`
	MetadataOnly bool `form:"metadata_only"`
}
