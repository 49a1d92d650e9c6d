package vfiouser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/device/nvmf"
	"github.com/jbweber/sma/internal/naming"
	"github.com/jbweber/sma/internal/target"
)

// DefaultSocketDir holds the per-function directories.
const DefaultSocketDir = "/var/tmp/vfiouser"

// Options configures the plugin.
type Options struct {
	SocketDir string
	// MaxNamespaces caps the volumes per device. Zero means no limit.
	MaxNamespaces int
	// Fs is where function directories are created. Defaults to the OS.
	Fs     afero.Fs
	Retry  device.RetryPolicy
	Logger *slog.Logger
}

// Manager is the nvme-vfio plugin.
type Manager struct {
	client target.Caller
	fs     afero.Fs
	opts   Options
	logger *slog.Logger
	claims *claims
}

type backendState struct {
	NQN        string `json:"nqn"`
	Dir        string `json:"dir"`
	PhysicalID int    `json:"physical_id"`
	VirtualID  int    `json:"virtual_id"`
}

var schema = device.Schema{
	{Name: "physical_id", Type: device.FieldInt, Required: true},
	{Name: "virtual_id", Type: device.FieldInt},
	{Name: "nqn", Type: device.FieldString},
}

// New creates the plugin.
func New(client target.Caller, opts Options) *Manager {
	if opts.SocketDir == "" {
		opts.SocketDir = DefaultSocketDir
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry == (device.RetryPolicy{}) {
		opts.Retry = device.DefaultRetryPolicy()
	}
	return &Manager{
		client: client,
		fs:     opts.Fs,
		opts:   opts,
		logger: opts.Logger.With("transport", device.KindNVMeVFIO),
		claims: newClaims(),
	}
}

func (m *Manager) Kind() device.Kind {
	return device.KindNVMeVFIO
}

func (m *Manager) Schema() device.Schema {
	return schema
}

func (m *Manager) Validate(params device.Params) error {
	pf, _ := params.Int("physical_id")
	vf, _ := params.Int("virtual_id")
	if pf < 0 || vf < 0 {
		return device.Errorf(device.KindInvalidParams, "function ids must not be negative (physical_id=%d, virtual_id=%d)", pf, vf)
	}
	if nqn := params.String("nqn"); nqn != "" && !strings.HasPrefix(nqn, "nqn.") {
		return device.Errorf(device.KindInvalidParams, "nqn %q is not an NQN", nqn)
	}
	return nil
}

// FunctionDir returns the directory for a physical/virtual function pair.
func (m *Manager) FunctionDir(pf, vf int) string {
	return filepath.Join(m.opts.SocketDir, fmt.Sprintf("%d.%d", pf, vf))
}

// Create builds the function directory, the subsystem and its listener.
// Creates naming the same NQN or function directory run one at a time, and
// compensation only removes what this call created.
func (m *Manager) Create(ctx context.Context, handle string, params device.Params) (device.State, error) {
	pf, _ := params.Int("physical_id")
	vf, _ := params.Int("virtual_id")
	st := backendState{
		NQN:        params.String("nqn"),
		Dir:        m.FunctionDir(pf, vf),
		PhysicalID: pf,
		VirtualID:  vf,
	}
	if st.NQN == "" {
		st.NQN = naming.DefaultNQN(handle)
	}
	logger := m.logger.With("handle", handle, "nqn", st.NQN, "dir", st.Dir)

	release, err := m.claims.acquire(ctx, "nqn:"+st.NQN, "dir:"+st.Dir)
	if err != nil {
		return device.State{}, device.Errorf(device.KindBackendFailure, "waiting for %s: %v", st.NQN, err)
	}
	defer release()

	if err := nvmf.EnsureTransport(ctx, m.client, nvmf.TransportVFIOUser); err != nil {
		return device.State{}, device.FromTarget(err)
	}
	subsystems, err := nvmf.GetSubsystems(ctx, m.client)
	if err != nil {
		return device.State{}, device.FromTarget(err)
	}
	for _, ss := range subsystems {
		if ss.NQN == st.NQN {
			return device.State{}, device.Errorf(device.KindDeviceBusy, "subsystem %s already exists", st.NQN)
		}
		for _, l := range ss.ListenAddresses {
			if l.TrAddr == st.Dir {
				return device.State{}, device.Errorf(device.KindDeviceBusy, "function %d.%d is used by %s", pf, vf, ss.NQN)
			}
		}
	}

	rb := device.NewRollback(m.opts.Retry, logger)

	dirExisted, err := afero.DirExists(m.fs, st.Dir)
	if err != nil {
		return device.State{}, device.Errorf(device.KindBackendFailure, "failed to stat %s: %v", st.Dir, err)
	}
	if !dirExisted {
		if err := m.fs.MkdirAll(st.Dir, 0o755); err != nil {
			return device.State{}, device.Errorf(device.KindBackendFailure, "failed to create %s: %v", st.Dir, err)
		}
		rb.Add("remove "+st.Dir, func(context.Context) error {
			return m.fs.RemoveAll(st.Dir)
		})
	}

	createErr := nvmf.CreateSubsystem(ctx, m.client, nvmf.SubsystemSpec{
		NQN:          st.NQN,
		AllowAnyHost: true,
		SerialNumber: naming.SerialNumber(handle),
		ModelNumber:  naming.Tag(handle),
	})
	if createErr != nil && target.IsRejected(createErr) {
		// Nothing was created on the target.
		return device.State{}, rb.Run(ctx, createErr)
	}
	// The subsystem may exist even though the call failed.
	rb.Add("delete subsystem "+st.NQN, func(ctx context.Context) error {
		return nvmf.DeleteSubsystem(ctx, m.client, st.NQN)
	})
	if createErr == nil {
		createErr = nvmf.AddListener(ctx, m.client, st.NQN, listener(st.Dir))
	}
	if createErr != nil {
		return m.encode(st), rb.Run(ctx, createErr)
	}

	logger.Info("device created")
	return m.encode(st), nil
}

func listener(dir string) nvmf.ListenAddress {
	return nvmf.ListenAddress{TrType: nvmf.TransportVFIOUser, TrAddr: dir}
}

func (m *Manager) encode(st backendState) device.State {
	// backendState always marshals.
	state, _ := device.EncodeState(device.KindNVMeVFIO, st)
	return state
}

func (m *Manager) decode(state device.State) (backendState, error) {
	var st backendState
	err := state.Decode(device.KindNVMeVFIO, &st)
	return st, err
}

// Delete removes the subsystem and the function directory.
func (m *Manager) Delete(ctx context.Context, state device.State) error {
	st, err := m.decode(state)
	if err != nil {
		return err
	}
	if err := nvmf.DeleteSubsystem(ctx, m.client, st.NQN); err != nil {
		return device.FromTarget(err)
	}
	if err := m.fs.RemoveAll(st.Dir); err != nil && !os.IsNotExist(err) {
		// The subsystem is already gone.
		return device.Errorf(device.KindDirtyState, "failed to remove %s: %v", st.Dir, err)
	}
	m.logger.Info("device deleted", "nqn", st.NQN)
	return nil
}

// AttachVolume adds the volume as a namespace.
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

	if a, ok := device.FindAttachment(attached, volumeID); ok {
		return a.Token, nil
	}
	if m.opts.MaxNamespaces > 0 && len(attached) >= m.opts.MaxNamespaces {
		return "", device.Errorf(device.KindCapacityExceeded, "device already has %d namespaces", len(attached))
	}

	ss, err := nvmf.FindSubsystem(ctx, m.client, st.NQN)
	if err != nil {
		return "", device.FromTarget(err)
	}
	if ss == nil {
		return "", device.Errorf(device.KindBackendFailure, "subsystem %s is missing on the target", st.NQN)
	}
	if ns, ok := ss.Namespace(volumeID); ok {
		return nvmf.NSIDToken(ns.NSID), nil
	}

	nsid, err := nvmf.AddNamespace(ctx, m.client, st.NQN, volumeID)
	if err != nil {
		return "", device.FromTarget(err)
	}
	m.logger.Info("volume attached", "nqn", st.NQN, "volume_id", volumeID, "nsid", nsid)
	return nvmf.NSIDToken(nsid), nil
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

// Describe reports the subsystem and whether the function directory exists.
func (m *Manager) Describe(ctx context.Context, state device.State) (*device.Description, error) {
	st, err := m.decode(state)
	if err != nil {
		return nil, err
	}
	ss, err := nvmf.FindSubsystem(ctx, m.client, st.NQN)
	if err != nil {
		return nil, device.FromTarget(err)
	}
	if ss == nil {
		return &device.Description{Present: false}, nil
	}

	dirExists, err := afero.DirExists(m.fs, st.Dir)
	if err != nil {
		return nil, device.Errorf(device.KindBackendFailure, "failed to stat %s: %v", st.Dir, err)
	}

	desc := &device.Description{
		Present: true,
		Resources: map[string]string{
			"nqn":        ss.NQN,
			"dir":        st.Dir,
			"dir_exists": strconv.FormatBool(dirExists),
			"function":   fmt.Sprintf("%d.%d", st.PhysicalID, st.VirtualID),
			"namespaces": strconv.Itoa(len(ss.Namespaces)),
		},
	}
	for _, ns := range ss.Namespaces {
		desc.Volumes = append(desc.Volumes, device.Attachment{VolumeID: ns.BdevName, Token: nvmf.NSIDToken(ns.NSID)})
	}
	return desc, nil
}

// Discover lists the subsystems with a VFIO-user listener.
func (m *Manager) Discover(ctx context.Context) ([]device.Discovered, error) {
	subsystems, err := nvmf.GetSubsystems(ctx, m.client)
	if err != nil {
		return nil, device.FromTarget(err)
	}

	var found []device.Discovered
	for i := range subsystems {
		ss := &subsystems[i]
		if !ss.HasListener(nvmf.TransportVFIOUser) {
			continue
		}
		d := device.Discovered{Name: ss.NQN}
		if handle, ok := naming.HandleFromTag(ss.ModelNumber); ok {
			st := backendState{NQN: ss.NQN}
			for _, l := range ss.ListenAddresses {
				if strings.EqualFold(l.TrType, nvmf.TransportVFIOUser) {
					st.Dir = l.TrAddr
					break
				}
			}
			// Function ids are only recoverable from directories we named.
			_, _ = fmt.Sscanf(filepath.Base(st.Dir), "%d.%d", &st.PhysicalID, &st.VirtualID)
			d.Handle = handle
			d.State = m.encode(st)
			for _, ns := range ss.Namespaces {
				d.Volumes = append(d.Volumes, device.Attachment{VolumeID: ns.BdevName, Token: nvmf.NSIDToken(ns.NSID)})
			}
		}
		found = append(found, d)
	}
	return found, nil
}

func (m *Manager) QoSCapabilities() []string {
	return device.BdevQoSCapabilities()
}

// SetVolumeQoS limits an attached volume's bdev.
func (m *Manager) SetVolumeQoS(ctx context.Context, state device.State, volumeID string, limits device.QoSLimits) error {
	if _, err := m.decode(state); err != nil {
		return err
	}
	return device.SetBdevQoS(ctx, m.client, volumeID, limits)
}
