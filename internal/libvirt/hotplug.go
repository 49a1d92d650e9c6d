package libvirt

import (
	"context"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// domainClient defines the libvirt operations needed for disk hot-plug.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type domainClient interface {
	// DomainLookupByName looks up a domain by name
	DomainLookupByName(name string) (libvirt.Domain, error)

	// DomainGetXMLDesc returns the domain's current XML
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)

	// DomainAttachDeviceFlags attaches a device described by XML
	DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error

	// DomainDetachDeviceFlags detaches a device described by XML
	DomainDetachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error
}

// HotPlugger attaches vhost-user block disks to running domains.
type HotPlugger struct {
	client domainClient
}

// NewHotPlugger creates a HotPlugger.
func NewHotPlugger(client domainClient) *HotPlugger {
	return &HotPlugger{client: client}
}

// VhostUserDisk builds the disk definition for a vhost-user-blk socket.
func VhostUserDisk(targetDev, socketPath string) libvirtxml.DomainDisk {
	return libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: "raw",
		},
		Source: &libvirtxml.DomainDiskSource{
			VHostUser: &libvirtxml.DomainDiskSourceVHostUser{
				UNIX: &libvirtxml.DomainChardevSourceUNIX{
					Path: socketPath,
				},
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: targetDev,
			Bus: "virtio",
		},
	}
}

// VhostUserDiskXML renders VhostUserDisk.
func VhostUserDiskXML(targetDev, socketPath string) (string, error) {
	disk := VhostUserDisk(targetDev, socketPath)
	xml, err := disk.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal disk XML: %w", err)
	}
	return xml, nil
}

// AttachDisk hot-plugs the socket into the running domain as targetDev.
// It is a no-op if the domain already has that disk on the same socket.
func (h *HotPlugger) AttachDisk(ctx context.Context, domainName, targetDev, socketPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dom, err := h.client.DomainLookupByName(domainName)
	if err != nil {
		return fmt.Errorf("failed to find domain %s: %w", domainName, err)
	}

	existing, err := h.findDisk(dom, targetDev)
	if err != nil {
		return err
	}
	if existing != nil {
		if diskSocket(existing) == socketPath {
			return nil
		}
		return fmt.Errorf("domain %s already has disk %s", domainName, targetDev)
	}

	xml, err := VhostUserDiskXML(targetDev, socketPath)
	if err != nil {
		return err
	}
	if err := h.client.DomainAttachDeviceFlags(dom, xml, uint32(libvirt.DomainDeviceModifyLive)); err != nil {
		return fmt.Errorf("failed to attach %s to domain %s: %w", targetDev, domainName, err)
	}
	return nil
}

// DetachDisk removes targetDev from the running domain. A missing domain or
// disk is not an error.
func (h *HotPlugger) DetachDisk(ctx context.Context, domainName, targetDev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dom, err := h.client.DomainLookupByName(domainName)
	if err != nil {
		if libvirt.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to find domain %s: %w", domainName, err)
	}

	disk, err := h.findDisk(dom, targetDev)
	if err != nil || disk == nil {
		return err
	}

	xml, err := disk.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal disk XML: %w", err)
	}
	if err := h.client.DomainDetachDeviceFlags(dom, xml, uint32(libvirt.DomainDeviceModifyLive)); err != nil {
		return fmt.Errorf("failed to detach %s from domain %s: %w", targetDev, domainName, err)
	}
	return nil
}

func (h *HotPlugger) findDisk(dom libvirt.Domain, targetDev string) (*libvirtxml.DomainDisk, error) {
	desc, err := h.client.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get XML for domain %s: %w", dom.Name, err)
	}

	var def libvirtxml.Domain
	if err := def.Unmarshal(desc); err != nil {
		return nil, fmt.Errorf("failed to parse XML for domain %s: %w", dom.Name, err)
	}
	if def.Devices == nil {
		return nil, nil
	}
	for i := range def.Devices.Disks {
		d := &def.Devices.Disks[i]
		if d.Target != nil && strings.EqualFold(d.Target.Dev, targetDev) {
			return d, nil
		}
	}
	return nil, nil
}

func diskSocket(d *libvirtxml.DomainDisk) string {
	if d.Source == nil || d.Source.VHostUser == nil || d.Source.VHostUser.UNIX == nil {
		return ""
	}
	return d.Source.VHostUser.UNIX.Path
}
