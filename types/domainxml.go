package types

import "encoding/xml"

// DomainXML is the subset of the <domain> XML document carried inside
// checkpoint metadata and accepted by "domain define".
type DomainXML struct {
	XMLName xml.Name          `xml:"domain"`
	Type    string            `xml:"type,attr,omitempty"`
	Name    string            `xml:"name"`
	UUID    string            `xml:"uuid,omitempty"`
	Devices *DomainDevicesXML `xml:"devices"`
}

type DomainDevicesXML struct {
	Disks []DomainDiskXML `xml:"disk"`
}

type DomainDiskXML struct {
	Type     string               `xml:"type,attr,omitempty"`
	Device   string               `xml:"device,attr,omitempty"`
	Driver   *DomainDiskDriverXML `xml:"driver"`
	Source   *DomainDiskSourceXML `xml:"source"`
	Target   *DomainDiskTargetXML `xml:"target"`
	ReadOnly *struct{}            `xml:"readonly"`
}

type DomainDiskDriverXML struct {
	Name string `xml:"name,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
}

type DomainDiskSourceXML struct {
	File     string             `xml:"file,attr,omitempty"`
	Dev      string             `xml:"dev,attr,omitempty"`
	Protocol string             `xml:"protocol,attr,omitempty"`
	Name     string             `xml:"name,attr,omitempty"`
	Host     *DomainDiskHostXML `xml:"host"`
}

type DomainDiskHostXML struct {
	Name string `xml:"name,attr,omitempty"`
	Port uint   `xml:"port,attr,omitempty"`
}

type DomainDiskTargetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr,omitempty"`
}

// ParseDomainXML decodes a <domain> document.
func ParseDomainXML(data []byte) (*Domain, error) {
	var dx DomainXML
	if err := xml.Unmarshal(data, &dx); err != nil {
		return nil, Wrap(CodeXML, err, "parse domain XML")
	}
	return dx.ToDomain()
}

// FormatDomainXML encodes d as an indented <domain> document.
func FormatDomainXML(d *Domain) ([]byte, error) {
	out, err := xml.MarshalIndent(NewDomainXML(d), "", "  ")
	if err != nil {
		return nil, Wrap(CodeInternal, err, "format domain XML")
	}
	return out, nil
}

// NewDomainXML converts d to its document form.
func NewDomainXML(d *Domain) *DomainXML {
	dx := &DomainXML{Type: d.Type, Name: d.Name, UUID: d.UUID, Devices: &DomainDevicesXML{}}
	for _, disk := range d.Disks {
		x := DomainDiskXML{
			Device: disk.Device,
			Target: &DomainDiskTargetXML{Dev: disk.Target, Bus: disk.Bus},
		}
		if src := disk.Source; src != nil {
			x.Type = string(src.Type)
			if src.Format != "" {
				x.Driver = &DomainDiskDriverXML{Name: "qemu", Type: src.Format}
			}
			switch src.Type {
			case StorageFile:
				if src.Path != "" {
					x.Source = &DomainDiskSourceXML{File: src.Path}
				}
			case StorageBlock:
				if src.Path != "" {
					x.Source = &DomainDiskSourceXML{Dev: src.Path}
				}
			case StorageNetwork:
				x.Source = &DomainDiskSourceXML{Protocol: src.Protocol, Name: src.Path}
				if src.Host != "" {
					x.Source.Host = &DomainDiskHostXML{Name: src.Host, Port: src.Port}
				}
			}
			if src.ReadOnly {
				x.ReadOnly = &struct{}{}
			}
		}
		dx.Devices.Disks = append(dx.Devices.Disks, x)
	}
	return dx
}

// ToDomain converts the document form back into a Domain.
func (dx *DomainXML) ToDomain() (*Domain, error) {
	d := &Domain{Type: dx.Type, Name: dx.Name, UUID: dx.UUID}
	if dx.Devices == nil {
		return d, nil
	}
	for i, x := range dx.Devices.Disks {
		if x.Target == nil || x.Target.Dev == "" {
			return nil, Errorf(CodeXML, "missing target for disk %d", i)
		}
		typ := StorageFile
		if x.Type != "" {
			t, ok := ParseStorageType(x.Type)
			if !ok {
				return nil, Errorf(CodeXML, "unknown disk type '%s'", x.Type)
			}
			typ = t
		}
		src := &StorageSource{Type: typ, ReadOnly: x.ReadOnly != nil}
		if x.Driver != nil {
			src.Format = x.Driver.Type
		}
		if s := x.Source; s != nil {
			switch typ {
			case StorageFile:
				src.Path = s.File
			case StorageBlock:
				src.Path = s.Dev
			case StorageNetwork:
				src.Protocol, src.Path = s.Protocol, s.Name
				if s.Host != nil {
					src.Host, src.Port = s.Host.Name, s.Host.Port
				}
			}
		}
		device := x.Device
		if device == "" {
			device = "disk"
		}
		d.Disks = append(d.Disks, &Disk{
			Target: x.Target.Dev,
			Bus:    x.Target.Bus,
			Device: device,
			Source: src,
		})
	}
	return d, nil
}
