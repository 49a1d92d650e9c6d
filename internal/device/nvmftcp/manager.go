package nvmftcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/device/nvmf"
	"github.com/jbweber/sma/internal/naming"
	"github.com/jbweber/sma/internal/target"
)

const discoveryNQN = "nqn.2014-08.org.nvmexpress.discovery"

// Options configures the plugin.
type Options struct {
	// ReuseSubsystem lets a device adopt an existing subsystem.
	ReuseSubsystem bool
	// Retry bounds compensation retries.
	Retry  device.RetryPolicy
	Logger *slog.Logger
}

// Manager is the nvme-tcp plugin.
type Manager struct {
	client target.Caller
	opts   Options
	logger *slog.Logger
}

// backendState is what the plugin needs to find its resources again.
type backendState struct {
	NQN           string             `json:"nqn"`
	Listener      nvmf.ListenAddress `json:"listener"`
	OwnsSubsystem bool               `json:"owns_subsystem"`
	OwnsListener  bool               `json:"owns_listener"`
}

var schema = device.Schema{
	{Name: "subsystem", Type: device.FieldString, Required: true},
	{Name: "address", Type: device.FieldString, Required: true},
	{Name: "port", Type: device.FieldInt, Required: true},
	{Name: "adrfam", Type: device.FieldString},
	{Name: "allow_any_host", Type: device.FieldBool},
}

// New creates the plugin.
func New(client target.Caller, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry == (device.RetryPolicy{}) {
		opts.Retry = device.DefaultRetryPolicy()
	}
	return &Manager{
		client: client,
		opts:   opts,
		logger: opts.Logger.With("transport", device.KindNVMeTCP),
	}
}

func (m *Manager) Kind() device.Kind {
	return device.KindNVMeTCP
}

func (m *Manager) Schema() device.Schema {
	return schema
}

// Validate checks the listen address and NQN.
func (m *Manager) Validate(params device.Params) error {
	_, err := listenAddress(params)
	if err != nil {
		return err
	}
	nqn := params.String("subsystem")
	if !strings.HasPrefix(nqn, "nqn.") {
		return device.Errorf(device.KindInvalidParams, "subsystem %q is not an NQN", nqn)
	}
	if nqn == discoveryNQN {
		return device.Errorf(device.KindInvalidParams, "the discovery subsystem cannot back a device")
	}
	return nil
}

func listenAddress(params device.Params) (nvmf.ListenAddress, error) {
	addr := params.String("address")
	ip := net.ParseIP(addr)
	if ip == nil {
		return nvmf.ListenAddress{}, device.Errorf(device.KindInvalidParams, "address %q is not an IP address", addr)
	}

	port, _ := params.Int("port")
	if port < 1 || port > 65535 {
		return nvmf.ListenAddress{}, device.Errorf(device.KindInvalidParams, "port %d out of range", port)
	}

	adrfam := nvmf.AdrFamIPv4
	if ip.To4() == nil {
		adrfam = nvmf.AdrFamIPv6
	}
	if v := params.String("adrfam"); v != "" {
		switch {
		case strings.EqualFold(v, nvmf.AdrFamIPv4) && ip.To4() != nil:
			adrfam = nvmf.AdrFamIPv4
		case strings.EqualFold(v, nvmf.AdrFamIPv6) && ip.To4() == nil:
			adrfam = nvmf.AdrFamIPv6
		default:
			return nvmf.ListenAddress{}, device.Errorf(device.KindInvalidParams, "adrfam %q does not match address %s", v, addr)
		}
	}

	return nvmf.ListenAddress{
		TrType:  nvmf.TransportTCP,
		AdrFam:  adrfam,
		TrAddr:  addr,
		TrSvcID: strconv.Itoa(port),
	}, nil
}

// Create provisions the subsystem and its listener.
func (m *Manager) Create(ctx context.Context, handle string, params device.Params) (device.State, error) {
	listener, err := listenAddress(params)
	if err != nil {
		return device.State{}, err
	}
	st := backendState{NQN: params.String("subsystem"), Listener: listener}
	logger := m.logger.With("handle", handle, "nqn", st.NQN)

	if err := nvmf.EnsureTransport(ctx, m.client, nvmf.TransportTCP); err != nil {
		return device.State{}, device.FromTarget(err)
	}

	existing, err := nvmf.FindSubsystem(ctx, m.client, st.NQN)
	if err != nil {
		return device.State{}, device.FromTarget(err)
	}

	rb := device.NewRollback(m.opts.Retry, logger)
	var createErr error

	if existing != nil {
		if !m.opts.ReuseSubsystem {
			return device.State{}, device.Errorf(device.KindDeviceBusy, "subsystem %s already exists", st.NQN)
		}
		logger.Info("reusing existing subsystem")
	} else {
		st.OwnsSubsystem = true
		rb.Add("delete subsystem "+st.NQN, func(ctx context.Context) error {
			return nvmf.DeleteSubsystem(ctx, m.client, st.NQN)
		})
		createErr = nvmf.CreateSubsystem(ctx, m.client, nvmf.SubsystemSpec{
			NQN:          st.NQN,
			AllowAnyHost: params.Bool("allow_any_host", true),
			SerialNumber: naming.SerialNumber(handle),
			ModelNumber:  naming.Tag(handle),
		})
		if createErr != nil {
			if target.IsRejected(createErr) {
				return device.State{}, device.FromTarget(createErr)
			}
			// The subsystem may exist even though the call failed.
			return m.encode(st), rb.Run(ctx, createErr)
		}
	}

	if existing == nil || !hasAddress(existing, listener) {
		st.OwnsListener = true
		if createErr = nvmf.AddListener(ctx, m.client, st.NQN, listener); createErr != nil {
			if !st.OwnsSubsystem && !target.IsRejected(createErr) {
				rb.Add("remove listener", func(ctx context.Context) error {
					return nvmf.RemoveListener(ctx, m.client, st.NQN, listener)
				})
			}
			return m.encode(st), rb.Run(ctx, createErr)
		}
	}

	logger.Info("device created", "listener", nvmf.FormatAddress(listener), "owns_subsystem", st.OwnsSubsystem)
	return m.encode(st), nil
}

func hasAddress(ss *nvmf.Subsystem, addr nvmf.ListenAddress) bool {
	for _, l := range ss.ListenAddresses {
		if strings.EqualFold(l.TrType, addr.TrType) && l.TrAddr == addr.TrAddr && l.TrSvcID == addr.TrSvcID {
			return true
		}
	}
	return false
}

func (m *Manager) encode(st backendState) device.State {
	// backendState always marshals.
	state, _ := device.EncodeState(device.KindNVMeTCP, st)
	return state
}

func (m *Manager) decode(state device.State) (backendState, error) {
	var st backendState
	err := state.Decode(device.KindNVMeTCP, &st)
	return st, err
}

// Delete removes what the device created. A reused subsystem is left in
// place without the listener this device added.
func (m *Manager) Delete(ctx context.Context, state device.State) error {
	st, err := m.decode(state)
	if err != nil {
		return err
	}

	switch {
	case st.OwnsSubsystem:
		err = nvmf.DeleteSubsystem(ctx, m.client, st.NQN)
	case st.OwnsListener:
		err = nvmf.RemoveListener(ctx, m.client, st.NQN, st.Listener)
	}
	if err != nil {
		return device.FromTarget(err)
	}

	m.logger.Info("device deleted", "nqn", st.NQN)
	return nil
}

// AttachVolume adds a namespace for the volume's bdev. If the subsystem
// already exposes the bdev, its nsid is returned.
func (m *Manager) AttachVolume(ctx context.Context, state device.State, attached []device.Attachment, volumeID string, params device.Params) (string, error) {
	if err := device.RequireVolumeID(volumeID); err != nil {
		return "", err
	}
	if err := (device.Schema{}).Validate(params); err != nil {
		return "", err
	}
	st, err := m.decode(state)
	if err != nil {
		return "", err
	}

	ss, err := nvmf.FindSubsystem(ctx, m.client, st.NQN)
	if err != nil {
		return "", device.FromTarget(err)
	}
	if ss == nil {
		return "", device.Errorf(device.KindBackendFailure, "subsystem %s is missing on the target", st.NQN)
	}
	if ns, ok := ss.Namespace(volumeID); ok {
		// On a shared subsystem the namespace may belong to another device.
		if !st.OwnsSubsystem && !attachedHere(attached, volumeID) {
			return "", device.Errorf(device.KindDeviceBusy, "volume %s is already a namespace of shared subsystem %s", volumeID, st.NQN)
		}
		return nvmf.NSIDToken(ns.NSID), nil
	}

	nsid, err := nvmf.AddNamespace(ctx, m.client, st.NQN, volumeID)
	if err != nil {
		return "", device.FromTarget(err)
	}
	m.logger.Info("volume attached", "nqn", st.NQN, "volume_id", volumeID, "nsid", nsid)
	return nvmf.NSIDToken(nsid), nil
}

func attachedHere(attached []device.Attachment, volumeID string) bool {
	_, ok := device.FindAttachment(attached, volumeID)
	return ok
}

// DetachVolume removes the namespace identified by token.
func (m *Manager) DetachVolume(ctx context.Context, state device.State, volumeID, token string) error {
	st, err := m.decode(state)
	if err != nil {
		return err
	}
	nsid, err := nvmf.ParseNSIDToken(token)
	if err != nil {
		return device.Errorf(device.KindInvalidState, "volume %s: %v", volumeID, err)
	}
	if err := nvmf.RemoveNamespace(ctx, m.client, st.NQN, nsid); err != nil {
		return device.FromTarget(err)
	}
	m.logger.Info("volume detached", "nqn", st.NQN, "volume_id", volumeID, "nsid", nsid)
	return nil
}

// Describe reports the subsystem as the target sees it.
func (m *Manager) Describe(ctx context.Context, state device.State) (*device.Description, error) {
	st, err := m.decode(state)
	if err != nil {
		return nil, err
	}
	ss, err := nvmf.FindSubsystem(ctx, m.client, st.NQN)
	if err != nil {
		return nil, device.FromTarget(err)
	}
	if ss == nil || (st.OwnsListener && !hasAddress(ss, st.Listener)) {
		return &device.Description{Present: false}, nil
	}
	return describeSubsystem(ss), nil
}

func describeSubsystem(ss *nvmf.Subsystem) *device.Description {
	listeners := make([]string, 0, len(ss.ListenAddresses))
	for _, l := range ss.ListenAddresses {
		listeners = append(listeners, nvmf.FormatAddress(l))
	}
	desc := &device.Description{
		Present: true,
		Resources: map[string]string{
			"nqn":          ss.NQN,
			"model_number": ss.ModelNumber,
			"listeners":    strings.Join(listeners, ","),
			"namespaces":   strconv.Itoa(len(ss.Namespaces)),
		},
	}
	for _, ns := range ss.Namespaces {
		desc.Volumes = append(desc.Volumes, device.Attachment{VolumeID: ns.BdevName, Token: nvmf.NSIDToken(ns.NSID)})
	}
	return desc
}

// Discover lists the subsystems that belong to this transport. Subsystems
// with a VFIO-user listener are left to the nvme-vfio plugin.
func (m *Manager) Discover(ctx context.Context) ([]device.Discovered, error) {
	subsystems, err := nvmf.GetSubsystems(ctx, m.client)
	if err != nil {
		return nil, device.FromTarget(err)
	}

	var found []device.Discovered
	for i := range subsystems {
		ss := &subsystems[i]
		if ss.NQN == discoveryNQN || ss.HasListener(nvmf.TransportVFIOUser) {
			continue
		}

		d := device.Discovered{Name: ss.NQN}
		if handle, ok := naming.HandleFromTag(ss.ModelNumber); ok {
			st := backendState{NQN: ss.NQN, OwnsSubsystem: true, OwnsListener: true}
			for _, l := range ss.ListenAddresses {
				if strings.EqualFold(l.TrType, nvmf.TransportTCP) {
					st.Listener = l
					break
				}
			}
			d.Handle = handle
			d.State = m.encode(st)
			d.Volumes = describeSubsystem(ss).Volumes
		}
		found = append(found, d)
	}
	return found, nil
}

// QoSCapabilities lists the supported limits.
func (m *Manager) QoSCapabilities() []string {
	return device.BdevQoSCapabilities()
}

// SetVolumeQoS limits an attached volume's bdev.
func (m *Manager) SetVolumeQoS(ctx context.Context, state device.State, volumeID string, limits device.QoSLimits) error {
	if _, err := m.decode(state); err != nil {
		return err
	}
	if err := device.SetBdevQoS(ctx, m.client, volumeID, limits); err != nil {
		return fmt.Errorf("nvme-tcp volume %s: %w", volumeID, err)
	}
	return nil
}
