package backup

import (
	"encoding/xml"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cocoonstack/vmbackup/types"
)

type xmlBackup struct {
	XMLName     xml.Name   `xml:"domainbackup"`
	Mode        string     `xml:"mode,attr,omitempty"`
	ID          string     `xml:"id,attr,omitempty"`
	Incremental string     `xml:"incremental,omitempty"`
	Server      *xmlServer `xml:"server"`
	Disks       *xmlDisks  `xml:"disks"`
}

type xmlServer struct {
	Transport string `xml:"transport,attr,omitempty"`
	Name      string `xml:"name,attr,omitempty"`
	Port      string `xml:"port,attr,omitempty"`
	Socket    string `xml:"socket,attr,omitempty"`
}

type xmlDisks struct {
	Disks []xmlDisk `xml:"disk"`
}

type xmlDisk struct {
	Name    string                     `xml:"name,attr"`
	Type    string                     `xml:"type,attr,omitempty"`
	State   string                     `xml:"state,attr,omitempty"`
	Driver  *types.DomainDiskDriverXML `xml:"driver"`
	Node    *xmlNode                   `xml:"node"`
	Target  *types.DomainDiskSourceXML `xml:"target"`
	Scratch *types.DomainDiskSourceXML `xml:"scratch"`
}

type xmlNode struct {
	Detected string `xml:"detected,attr"`
	Name     string `xml:",chardata"`
}

// Parse decodes a <domainbackup> document. Internal documents are the
// status files written while a job runs and also carry the job id, node
// names and disk states.
func Parse(data []byte, internal bool) (*Def, error) {
	var x xmlBackup
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, types.Wrap(types.CodeXML, err, "parse backup XML")
	}

	def := &Def{Mode: ModePush, Incremental: strings.TrimSpace(x.Incremental)}
	if x.Mode != "" {
		switch m := Mode(x.Mode); m {
		case ModePush, ModePull:
			def.Mode = m
		default:
			return nil, types.Errorf(types.CodeConfigUnsupported, "unknown backup mode '%s'", x.Mode)
		}
	}

	if internal && x.ID != "" {
		id, err := strconv.Atoi(x.ID)
		if err != nil {
			return nil, types.Wrap(types.CodeXML, err, "invalid 'id' value '%s'", x.ID)
		}
		def.ID = id
	}

	if x.Server != nil {
		if def.Mode != ModePull {
			return nil, types.Errorf(types.CodeConfigUnsupported, "use of <server> requires pull mode backup")
		}
		srv, err := parseServer(x.Server)
		if err != nil {
			return nil, err
		}
		def.Server = srv
	}

	if x.Disks != nil {
		for _, xd := range x.Disks.Disks {
			disk, err := parseDisk(xd, def.Mode == ModePush, internal)
			if err != nil {
				return nil, err
			}
			def.Disks = append(def.Disks, disk)
		}
	}
	return def, nil
}

func parseServer(xs *xmlServer) (*Server, error) {
	srv := &Server{Transport: TransportTCP, Name: xs.Name, Socket: xs.Socket}
	if xs.Transport != "" {
		switch t := Transport(xs.Transport); t {
		case TransportTCP, TransportUnix, TransportRDMA:
			srv.Transport = t
		default:
			return nil, types.Errorf(types.CodeConfigUnsupported, "unknown protocol transport type '%s'", xs.Transport)
		}
	}
	if xs.Port != "" {
		port, err := strconv.ParseUint(xs.Port, 10, 16)
		if err != nil {
			return nil, types.Wrap(types.CodeXML, err, "failed to parse port number '%s'", xs.Port)
		}
		srv.Port = uint(port)
	}
	switch srv.Transport {
	case TransportRDMA:
		return nil, types.Errorf(types.CodeConfigUnsupported, "transport rdma is not supported for <server>")
	case TransportUnix:
		if srv.Socket == "" {
			return nil, types.Errorf(types.CodeConfigUnsupported, "missing socket for unix transport")
		}
		if !filepath.IsAbs(srv.Socket) {
			return nil, types.Errorf(types.CodeXML, "backup socket path '%s' must be absolute", srv.Socket)
		}
	default:
		if srv.Name == "" {
			return nil, types.Errorf(types.CodeXML, "missing name for host")
		}
	}
	return srv, nil
}

func parseDisk(xd xmlDisk, push, internal bool) (Disk, error) {
	disk := Disk{Name: xd.Name, State: DiskNew}
	if disk.Name == "" {
		return disk, types.Errorf(types.CodeInternal, "missing name from disk backup element")
	}

	store := &types.StorageSource{Type: types.StorageFile}
	if xd.Type != "" {
		t, ok := types.ParseStorageType(xd.Type)
		if !ok {
			return disk, types.Errorf(types.CodeXML, "unknown disk backup type '%s'", xd.Type)
		}
		store.Type = t
	}

	src := xd.Target
	if !push {
		src = xd.Scratch
	}
	if src != nil {
		switch store.Type {
		case types.StorageFile:
			store.Path = src.File
		case types.StorageBlock:
			store.Path = src.Dev
		case types.StorageNetwork:
			store.Protocol, store.Path = src.Protocol, src.Name
			if src.Host != nil {
				store.Host, store.Port = src.Host.Name, src.Host.Port
			}
		}
	}

	if internal {
		if xd.Node == nil {
			return disk, types.Errorf(types.CodeXML, "missing node for backup disk '%s'", disk.Name)
		}
		detected, err := strconv.Atoi(xd.Node.Detected)
		if err != nil {
			return disk, types.Wrap(types.CodeXML, err, "invalid 'detected' value '%s'", xd.Node.Detected)
		}
		store.Detected = detected != 0
		store.NodeName = strings.TrimSpace(xd.Node.Name)
		if xd.State != "" {
			st, ok := parseDiskState(xd.State)
			if !ok {
				return disk, types.Errorf(types.CodeXML, "unknown disk backup state '%s'", xd.State)
			}
			disk.State = st
		}
	}

	if xd.Driver != nil && xd.Driver.Type != "" {
		if !types.IsKnownFormat(xd.Driver.Type) {
			return disk, types.Errorf(types.CodeConfigUnsupported, "unknown disk backup driver '%s'", xd.Driver.Type)
		}
		if !push && xd.Driver.Type != types.FormatQcow2 {
			return disk, types.Errorf(types.CodeConfigUnsupported, "pull mode requires qcow2 driver, not '%s'", xd.Driver.Type)
		}
		store.Format = xd.Driver.Type
	}

	if store.IsRelative() {
		return disk, types.Errorf(types.CodeXML, "disk backup image path '%s' must be absolute", store.Path)
	}
	disk.Store = store
	return disk, nil
}

// Format encodes def. Only disks with a store are written.
func Format(def *Def, internal bool) ([]byte, error) {
	x := xmlBackup{Mode: string(def.Mode), Incremental: def.Incremental}
	if x.Mode == "" {
		x.Mode = string(ModePush)
	}
	if def.ID != 0 {
		x.ID = strconv.Itoa(def.ID)
	}
	if srv := def.Server; srv != nil {
		x.Server = &xmlServer{Transport: string(srv.Transport), Name: srv.Name, Socket: srv.Socket}
		if srv.Port != 0 {
			x.Server.Port = strconv.FormatUint(uint64(srv.Port), 10)
		}
	}
	if len(def.Disks) > 0 {
		x.Disks = &xmlDisks{}
		push := def.Mode != ModePull
		for _, d := range def.Disks {
			if d.Store == nil {
				continue
			}
			x.Disks.Disks = append(x.Disks.Disks, formatDisk(d, push, internal))
		}
	}
	out, err := xml.MarshalIndent(&x, "", "  ")
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "format backup %d", def.ID)
	}
	return append(out, '\n'), nil
}

func formatDisk(d Disk, push, internal bool) xmlDisk {
	st := d.Store
	xd := xmlDisk{Name: d.Name, Type: string(st.Type)}
	if st.Format != "" {
		xd.Driver = &types.DomainDiskDriverXML{Type: st.Format}
	}
	if internal {
		detected := "0"
		if st.Detected {
			detected = "1"
		}
		xd.Node = &xmlNode{Detected: detected, Name: st.NodeName}
		xd.State = string(d.State)
	}
	src := &types.DomainDiskSourceXML{}
	switch st.Type {
	case types.StorageBlock:
		src.Dev = st.Path
	case types.StorageNetwork:
		src.Protocol, src.Name = st.Protocol, st.Path
		if st.Host != "" {
			src.Host = &types.DomainDiskHostXML{Name: st.Host, Port: st.Port}
		}
	default:
		src.File = st.Path
	}
	if push {
		xd.Target = src
	} else {
		xd.Scratch = src
	}
	return xd
}
