// Package nvmf wraps the NVMe-oF subsystem RPCs shared by the nvme-tcp and
// nvme-vfio plugins.
//
// Errors are returned as the target client produced them, wrapped with the
// failing step; callers classify them with device.FromTarget. Delete-style
// helpers treat a missing resource as success.
package nvmf

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jbweber/sma/internal/target"
)

// Transport types understood by the target.
const (
	TransportTCP      = "TCP"
	TransportVFIOUser = "VFIOUSER"
)

// Address families.
const (
	AdrFamIPv4 = "IPv4"
	AdrFamIPv6 = "IPv6"
)

// ListenAddress is a subsystem listener.
type ListenAddress struct {
	TrType  string `json:"trtype"`
	AdrFam  string `json:"adrfam,omitempty"`
	TrAddr  string `json:"traddr"`
	TrSvcID string `json:"trsvcid,omitempty"`
}

// Namespace is a bdev exposed through a subsystem.
type Namespace struct {
	NSID     int    `json:"nsid"`
	BdevName string `json:"bdev_name"`
}

// Subsystem is an NVMe-oF subsystem as reported by nvmf_get_subsystems.
type Subsystem struct {
	NQN             string          `json:"nqn"`
	Subtype         string          `json:"subtype,omitempty"`
	SerialNumber    string          `json:"serial_number,omitempty"`
	ModelNumber     string          `json:"model_number,omitempty"`
	AllowAnyHost    bool            `json:"allow_any_host"`
	ListenAddresses []ListenAddress `json:"listen_addresses"`
	Namespaces      []Namespace     `json:"namespaces"`
}

// HasListener reports whether the subsystem listens on a transport type.
func (s *Subsystem) HasListener(trtype string) bool {
	for _, l := range s.ListenAddresses {
		if strings.EqualFold(l.TrType, trtype) {
			return true
		}
	}
	return false
}

// Namespace returns the namespace backed by bdev, if any.
func (s *Subsystem) Namespace(bdev string) (Namespace, bool) {
	for _, ns := range s.Namespaces {
		if ns.BdevName == bdev {
			return ns, true
		}
	}
	return Namespace{}, false
}

// SubsystemSpec describes a subsystem to create.
type SubsystemSpec struct {
	NQN          string `json:"nqn"`
	AllowAnyHost bool   `json:"allow_any_host"`
	SerialNumber string `json:"serial_number,omitempty"`
	ModelNumber  string `json:"model_number,omitempty"`
}

type nqnRequest struct {
	NQN string `json:"nqn"`
}

type listenerRequest struct {
	NQN           string        `json:"nqn"`
	ListenAddress ListenAddress `json:"listen_address"`
}

type addNamespaceRequest struct {
	NQN       string        `json:"nqn"`
	Namespace namespaceSpec `json:"namespace"`
}

type namespaceSpec struct {
	BdevName string `json:"bdev_name"`
}

type removeNamespaceRequest struct {
	NQN  string `json:"nqn"`
	NSID int    `json:"nsid"`
}

type transportRequest struct {
	TrType string `json:"trtype"`
}

type transportInfo struct {
	TrType string `json:"trtype"`
}

// EnsureTransport creates the transport unless the target already has it.
func EnsureTransport(ctx context.Context, c target.Caller, trtype string) error {
	var transports []transportInfo
	if err := c.Call(ctx, "nvmf_get_transports", nil, &transports); err != nil {
		return fmt.Errorf("failed to list transports: %w", err)
	}
	for _, t := range transports {
		if strings.EqualFold(t.TrType, trtype) {
			return nil
		}
	}
	if err := c.Call(ctx, "nvmf_create_transport", transportRequest{TrType: trtype}, nil); err != nil {
		return fmt.Errorf("failed to create %s transport: %w", trtype, err)
	}
	return nil
}

// GetSubsystems lists every subsystem on the target.
func GetSubsystems(ctx context.Context, c target.Caller) ([]Subsystem, error) {
	var subsystems []Subsystem
	if err := c.Call(ctx, "nvmf_get_subsystems", nil, &subsystems); err != nil {
		return nil, fmt.Errorf("failed to list subsystems: %w", err)
	}
	return subsystems, nil
}

// FindSubsystem returns the subsystem with the given NQN, or nil if the target
// does not have it.
func FindSubsystem(ctx context.Context, c target.Caller, nqn string) (*Subsystem, error) {
	subsystems, err := GetSubsystems(ctx, c)
	if err != nil {
		return nil, err
	}
	for i := range subsystems {
		if subsystems[i].NQN == nqn {
			return &subsystems[i], nil
		}
	}
	return nil, nil
}

// CreateSubsystem creates an empty subsystem.
func CreateSubsystem(ctx context.Context, c target.Caller, spec SubsystemSpec) error {
	if err := c.Call(ctx, "nvmf_create_subsystem", spec, nil); err != nil {
		return fmt.Errorf("failed to create subsystem %s: %w", spec.NQN, err)
	}
	return nil
}

// DeleteSubsystem deletes a subsystem along with its listeners and namespaces.
func DeleteSubsystem(ctx context.Context, c target.Caller, nqn string) error {
	err := c.Call(ctx, "nvmf_delete_subsystem", nqnRequest{NQN: nqn}, nil)
	if err != nil && !target.IsNotFound(err) {
		return fmt.Errorf("failed to delete subsystem %s: %w", nqn, err)
	}
	return nil
}

// AddListener adds a listener to a subsystem.
func AddListener(ctx context.Context, c target.Caller, nqn string, addr ListenAddress) error {
	if err := c.Call(ctx, "nvmf_subsystem_add_listener", listenerRequest{NQN: nqn, ListenAddress: addr}, nil); err != nil {
		return fmt.Errorf("failed to add listener %s to %s: %w", FormatAddress(addr), nqn, err)
	}
	return nil
}

// RemoveListener removes a listener from a subsystem.
func RemoveListener(ctx context.Context, c target.Caller, nqn string, addr ListenAddress) error {
	err := c.Call(ctx, "nvmf_subsystem_remove_listener", listenerRequest{NQN: nqn, ListenAddress: addr}, nil)
	if err != nil && !target.IsNotFound(err) {
		return fmt.Errorf("failed to remove listener %s from %s: %w", FormatAddress(addr), nqn, err)
	}
	return nil
}

// AddNamespace exposes bdev through the subsystem and returns its nsid.
func AddNamespace(ctx context.Context, c target.Caller, nqn, bdev string) (int, error) {
	var nsid int
	req := addNamespaceRequest{NQN: nqn, Namespace: namespaceSpec{BdevName: bdev}}
	if err := c.Call(ctx, "nvmf_subsystem_add_ns", req, &nsid); err != nil {
		return 0, fmt.Errorf("failed to add namespace %s to %s: %w", bdev, nqn, err)
	}
	return nsid, nil
}

// RemoveNamespace removes a namespace from a subsystem.
func RemoveNamespace(ctx context.Context, c target.Caller, nqn string, nsid int) error {
	err := c.Call(ctx, "nvmf_subsystem_remove_ns", removeNamespaceRequest{NQN: nqn, NSID: nsid}, nil)
	if err != nil && !target.IsNotFound(err) {
		return fmt.Errorf("failed to remove namespace %d from %s: %w", nsid, nqn, err)
	}
	return nil
}

// FormatAddress renders a listener as trtype:traddr:trsvcid.
func FormatAddress(addr ListenAddress) string {
	s := addr.TrType + ":" + addr.TrAddr
	if addr.TrSvcID != "" {
		s += ":" + addr.TrSvcID
	}
	return s
}

// NSIDToken converts an nsid to an attachment token and back.
func NSIDToken(nsid int) string {
	return strconv.Itoa(nsid)
}

// ParseNSIDToken parses a token produced by NSIDToken.
func ParseNSIDToken(token string) (int, error) {
	nsid, err := strconv.Atoi(token)
	if err != nil || nsid <= 0 {
		return 0, fmt.Errorf("invalid namespace token %q", token)
	}
	return nsid, nil
}
