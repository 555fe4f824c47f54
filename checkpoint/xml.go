package checkpoint

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/cocoonstack/vmbackup/types"
)

// ParseFlags select which parts of a <domaincheckpoint> document are honoured.
type ParseFlags uint

const (
	// ParseRedefine accepts parent, creationTime and domain from the document.
	ParseRedefine ParseFlags = 1 << iota
	// ParseDisks accepts a <disks> element.
	ParseDisks
	// ParseInternal accepts the node names and the <active> marker written
	// to metadata files.
	ParseInternal
)

// FormatFlags shape Format output.
type FormatFlags uint

const (
	// FormatNoDomain omits the domain snapshot.
	FormatNoDomain FormatFlags = 1 << iota
	// FormatSize emits per-disk sizes that were filled in.
	FormatSize
)

var nowFunc = time.Now

type xmlCheckpoint struct {
	XMLName      xml.Name         `xml:"domaincheckpoint"`
	Name         string           `xml:"name,omitempty"`
	Description  string           `xml:"description,omitempty"`
	Parent       *xmlParent       `xml:"parent"`
	CreationTime string           `xml:"creationTime,omitempty"`
	Disks        *xmlDisks        `xml:"disks"`
	Domain       *types.DomainXML `xml:"domain"`
	Active       *string          `xml:"active"`
}

type xmlParent struct {
	Name string `xml:"name"`
}

type xmlDisks struct {
	Disks []xmlDisk `xml:"disk"`
}

type xmlDisk struct {
	Name       string `xml:"name,attr"`
	Node       string `xml:"node,attr,omitempty"`
	Checkpoint string `xml:"checkpoint,attr,omitempty"`
	Bitmap     string `xml:"bitmap,attr,omitempty"`
	Size       string `xml:"size,attr,omitempty"`
}

// Parse decodes a <domaincheckpoint> document.
func Parse(data []byte, flags ParseFlags) (*Def, error) {
	var x xmlCheckpoint
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, types.Wrap(types.CodeXML, err, "parse checkpoint XML")
	}

	def := &Def{}
	def.Name = strings.TrimSpace(x.Name)
	def.Description = x.Description
	if err := validName(def.Name); err != nil {
		return nil, err
	}

	if flags&ParseRedefine != 0 {
		if def.Name == "" {
			return nil, types.Errorf(types.CodeXML, "a redefined checkpoint must have a name")
		}
		if x.Parent != nil {
			def.Parent = strings.TrimSpace(x.Parent.Name)
		}
		ct := strings.TrimSpace(x.CreationTime)
		if ct == "" {
			return nil, types.Errorf(types.CodeInternal, "missing creationTime from existing checkpoint")
		}
		secs, err := strconv.ParseInt(ct, 10, 64)
		if err != nil {
			return nil, types.Wrap(types.CodeXML, err, "invalid creationTime '%s'", ct)
		}
		def.CreationTime = secs
		if x.Domain == nil || x.Domain.Type == "" {
			return nil, types.Errorf(types.CodeInternal, "missing domain in checkpoint redefine")
		}
		dom, err := x.Domain.ToDomain()
		if err != nil {
			return nil, err
		}
		def.Dom = dom
	} else {
		def.PostParse(nowFunc())
	}

	if x.Disks != nil && len(x.Disks.Disks) > 0 {
		if flags&ParseDisks == 0 {
			return nil, types.Errorf(types.CodeArgumentUnsupported, "unable to handle disk requests in checkpoint")
		}
		for _, xd := range x.Disks.Disks {
			disk, err := parseDisk(xd, flags)
			if err != nil {
				return nil, err
			}
			def.Disks = append(def.Disks, disk)
		}
	}

	if flags&ParseInternal != 0 {
		if x.Active == nil {
			return nil, types.Errorf(types.CodeInternal, "Could not find 'active' element")
		}
		active, err := strconv.Atoi(strings.TrimSpace(*x.Active))
		if err != nil {
			return nil, types.Wrap(types.CodeXML, err, "invalid 'active' value '%s'", *x.Active)
		}
		def.Current = active != 0
	}
	return def, nil
}

func parseDisk(xd xmlDisk, flags ParseFlags) (Disk, error) {
	disk := Disk{Name: xd.Name, Type: TypeBitmap}
	if disk.Name == "" {
		return disk, types.Errorf(types.CodeInternal, "missing name from disk checkpoint element")
	}
	if xd.Checkpoint != "" {
		t, ok := ParseType(xd.Checkpoint)
		if !ok {
			return disk, types.Errorf(types.CodeConfigUnsupported, "unknown disk checkpoint setting '%s'", xd.Checkpoint)
		}
		disk.Type = t
	}
	if xd.Bitmap != "" {
		if disk.Type != TypeBitmap {
			return disk, types.Errorf(types.CodeConfigUnsupported, "disk checkpoint bitmap '%s' requires type='bitmap'", xd.Bitmap)
		}
		disk.Bitmap = xd.Bitmap
	}
	if flags&ParseInternal != 0 {
		disk.Node = xd.Node
	}
	return disk, nil
}

// Format encodes def. Internal output adds node names and the <active>
// marker and is meant for metadata files only.
func Format(def *Def, flags FormatFlags, internal bool) ([]byte, error) {
	x := xmlCheckpoint{
		Name:        def.Name,
		Description: def.Description,
	}
	if def.Parent != "" {
		x.Parent = &xmlParent{Name: def.Parent}
	}
	if def.CreationTime != 0 {
		x.CreationTime = strconv.FormatInt(def.CreationTime, 10)
	}
	if len(def.Disks) > 0 {
		x.Disks = &xmlDisks{}
		for _, d := range def.Disks {
			xd := xmlDisk{Name: d.Name, Checkpoint: string(d.Type), Bitmap: d.Bitmap}
			if internal {
				xd.Node = d.Node
			}
			if flags&FormatSize != 0 && d.SizeValid {
				xd.Size = strconv.FormatUint(d.Size, 10)
			}
			x.Disks.Disks = append(x.Disks.Disks, xd)
		}
	}
	if flags&FormatNoDomain == 0 {
		if dom := def.Domain(); dom != nil {
			x.Domain = types.NewDomainXML(dom)
		}
	}
	if internal {
		active := "0"
		if def.Current {
			active = "1"
		}
		x.Active = &active
	}
	out, err := xml.MarshalIndent(&x, "", "  ")
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "format checkpoint %s", def.Name)
	}
	return append(out, '\n'), nil
}

// validName rejects names that cannot serve as a metadata file name.
func validName(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return types.Errorf(types.CodeXML, "invalid checkpoint name '%s'", name)
	}
	return nil
}
