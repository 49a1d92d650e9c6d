package libvirt

import (
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// mockDomainClient is a mock implementation of domainClient for testing.
type mockDomainClient struct {
	domains map[string]*libvirtxml.Domain

	attachCalls []string
	detachCalls []string

	attachErr error
}

func newMockDomainClient(names ...string) *mockDomainClient {
	m := &mockDomainClient{domains: make(map[string]*libvirtxml.Domain)}
	for _, name := range names {
		m.domains[name] = &libvirtxml.Domain{Type: "kvm", Name: name, Devices: &libvirtxml.DomainDeviceList{}}
	}
	return m
}

func (m *mockDomainClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	if _, ok := m.domains[name]; !ok {
		return libvirt.Domain{}, libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found: " + name}
	}
	return libvirt.Domain{Name: name}, nil
}

func (m *mockDomainClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	def, ok := m.domains[dom.Name]
	if !ok {
		return "", fmt.Errorf("domain not found: %s", dom.Name)
	}
	return def.Marshal()
}

func (m *mockDomainClient) DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	m.attachCalls = append(m.attachCalls, xml)
	if m.attachErr != nil {
		return m.attachErr
	}
	var disk libvirtxml.DomainDisk
	if err := disk.Unmarshal(xml); err != nil {
		return err
	}
	def := m.domains[dom.Name]
	def.Devices.Disks = append(def.Devices.Disks, disk)
	return nil
}

func (m *mockDomainClient) DomainDetachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	m.detachCalls = append(m.detachCalls, xml)
	var disk libvirtxml.DomainDisk
	if err := disk.Unmarshal(xml); err != nil {
		return err
	}
	def := m.domains[dom.Name]
	for i, d := range def.Devices.Disks {
		if d.Target != nil && strings.EqualFold(d.Target.Dev, disk.Target.Dev) {
			def.Devices.Disks = append(def.Devices.Disks[:i], def.Devices.Disks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("disk %s not found", disk.Target.Dev)
}
