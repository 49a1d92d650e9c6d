package vhostblk

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/naming"
	"github.com/jbweber/sma/internal/target"
)

// DefaultSocketDir is where the target creates vhost sockets by default.
const DefaultSocketDir = "/var/tmp"

var (
	cpumaskPattern = regexp.MustCompile(`^(0[xX])?[0-9a-fA-F]+$`)
	diskPattern    = regexp.MustCompile(`^(vd|sd|hd|xvd)[a-z]+$`)
)

// VMAttacher hot-plugs controller sockets into virtual machines.
//
// In production, this is satisfied by *libvirt.HotPlugger.
type VMAttacher interface {
	AttachDisk(ctx context.Context, domain, targetDev, socketPath string) error
	DetachDisk(ctx context.Context, domain, targetDev string) error
}

// Options configures the plugin.
type Options struct {
	SocketDir string
	// CPUMask is used when the request does not set one.
	CPUMask string
	// VM enables the vm_domain and vm_disk parameters.
	VM     VMAttacher
	Retry  device.RetryPolicy
	Logger *slog.Logger
}

// Manager is the vhost-blk plugin.
type Manager struct {
	client target.Caller
	opts   Options
	logger *slog.Logger
}

type backendState struct {
	Controller string `json:"controller"`
	Socket     string `json:"socket"`
	CPUMask    string `json:"cpumask,omitempty"`
	VMDomain   string `json:"vm_domain,omitempty"`
	VMDisk     string `json:"vm_disk,omitempty"`
}

// lunToken is the token of the only volume a controller serves.
const lunToken = "0"

var schema = device.Schema{
	{Name: "cpumask", Type: device.FieldString},
	{Name: "vm_domain", Type: device.FieldString},
	{Name: "vm_disk", Type: device.FieldString},
}

// New creates the plugin.
func New(client target.Caller, opts Options) *Manager {
	if opts.SocketDir == "" {
		opts.SocketDir = DefaultSocketDir
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry == (device.RetryPolicy{}) {
		opts.Retry = device.DefaultRetryPolicy()
	}
	return &Manager{
		client: client,
		opts:   opts,
		logger: opts.Logger.With("transport", device.KindVhostBlk),
	}
}

func (m *Manager) Kind() device.Kind {
	return device.KindVhostBlk
}

func (m *Manager) Schema() device.Schema {
	return schema
}

func (m *Manager) Validate(params device.Params) error {
	if mask := params.String("cpumask"); mask != "" && !cpumaskPattern.MatchString(mask) {
		return device.Errorf(device.KindInvalidParams, "cpumask %q is not a hex mask", mask)
	}

	domain, disk := params.String("vm_domain"), params.String("vm_disk")
	if (domain == "") != (disk == "") {
		return device.Errorf(device.KindInvalidParams, "vm_domain and vm_disk must be set together")
	}
	if domain == "" {
		return nil
	}
	if m.opts.VM == nil {
		return device.Errorf(device.KindInvalidParams, "VM hot-plug is not configured on this agent")
	}
	if !diskPattern.MatchString(disk) {
		return device.Errorf(device.KindInvalidParams, "vm_disk %q is not a guest disk name", disk)
	}
	return nil
}

type createControllerRequest struct {
	Ctrlr   string `json:"ctrlr"`
	DevName string `json:"dev_name"`
	CPUMask string `json:"cpumask,omitempty"`
}

type controllerRequest struct {
	Ctrlr string `json:"ctrlr"`
}

type getControllersRequest struct {
	Name string `json:"name,omitempty"`
}

type controllerInfo struct {
	Ctrlr           string `json:"ctrlr"`
	CPUMask         string `json:"cpumask"`
	BackendSpecific struct {
		Block struct {
			Bdev string `json:"bdev"`
		} `json:"block"`
	} `json:"backend_specific"`
}

// Create reserves the controller name and socket path for handle. The target
// binds a vhost-blk controller to its bdev when the controller is created,
// so the controller itself is created by the first AttachVolume.
func (m *Manager) Create(ctx context.Context, handle string, params device.Params) (device.State, error) {
	st := backendState{
		Controller: naming.ControllerName(handle),
		CPUMask:    params.String("cpumask"),
		VMDomain:   params.String("vm_domain"),
		VMDisk:     params.String("vm_disk"),
	}
	st.Socket = filepath.Join(m.opts.SocketDir, st.Controller)
	if st.CPUMask == "" {
		st.CPUMask = m.opts.CPUMask
	}

	ctrl, err := m.lookup(ctx, st.Controller)
	if err != nil {
		return device.State{}, device.FromTarget(err)
	}
	if ctrl != nil {
		return device.State{}, device.Errorf(device.KindDeviceBusy, "controller %s already exists", st.Controller)
	}

	m.logger.Info("device created", "handle", handle, "controller", st.Controller, "socket", st.Socket)
	return m.encode(st), nil
}

// lookup returns the named controller, or nil if the target has none.
func (m *Manager) lookup(ctx context.Context, name string) (*controllerInfo, error) {
	ctrls, err := m.getControllers(ctx, name)
	if err != nil {
		if target.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	for i := range ctrls {
		if ctrls[i].Ctrlr == name {
			return &ctrls[i], nil
		}
	}
	return nil, nil
}

func (m *Manager) deleteController(ctx context.Context, name string) error {
	err := m.client.Call(ctx, "vhost_delete_controller", controllerRequest{Ctrlr: name}, nil)
	if err != nil && !target.IsNotFound(err) {
		return fmt.Errorf("failed to delete controller %s: %w", name, err)
	}
	return nil
}

func (m *Manager) encode(st backendState) device.State {
	// backendState always marshals.
	state, _ := device.EncodeState(device.KindVhostBlk, st)
	return state
}

func (m *Manager) decode(state device.State) (backendState, error) {
	var st backendState
	err := state.Decode(device.KindVhostBlk, &st)
	return st, err
}

// Delete tears down the controller if one exists.
func (m *Manager) Delete(ctx context.Context, state device.State) error {
	st, err := m.decode(state)
	if err != nil {
		return err
	}
	ctrl, err := m.lookup(ctx, st.Controller)
	if err != nil {
		return device.FromTarget(err)
	}
	if ctrl != nil {
		if err := m.teardown(ctx, st); err != nil {
			return err
		}
	}
	m.logger.Info("device deleted", "controller", st.Controller)
	return nil
}

// teardown unplugs the controller from its VM and deletes it. A controller
// that cannot be deleted after the unplug leaves the device dirty.
func (m *Manager) teardown(ctx context.Context, st backendState) error {
	plugged := st.VMDomain != "" && m.opts.VM != nil
	if plugged {
		if err := m.opts.VM.DetachDisk(ctx, st.VMDomain, st.VMDisk); err != nil {
			return device.Errorf(device.KindBackendFailure, "unplug from %s: %v", st.VMDomain, err)
		}
	} else if st.VMDomain != "" {
		m.logger.Warn("VM hot-plug not configured, leaving disk in domain", "controller", st.Controller, "vm_domain", st.VMDomain)
	}

	if err := m.deleteController(ctx, st.Controller); err != nil {
		if plugged {
			return &device.Error{Kind: device.KindDirtyState, Err: err}
		}
		return device.FromTarget(err)
	}
	return nil
}

// AttachVolume creates the controller serving the volume's bdev and, when
// the device has a VM, hot-plugs it. A controller serves one volume, so a
// second volume fails with CapacityExceeded. The token is always LUN 0.
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
	if len(attached) > 0 {
		return "", device.Errorf(device.KindCapacityExceeded, "controller %s already serves volume %s", st.Controller, attached[0].VolumeID)
	}

	ctrl, err := m.lookup(ctx, st.Controller)
	if err != nil {
		return "", device.FromTarget(err)
	}
	if ctrl != nil {
		if bdev := ctrl.BackendSpecific.Block.Bdev; bdev != volumeID {
			return "", device.Errorf(device.KindCapacityExceeded, "controller %s already serves bdev %s", st.Controller, bdev)
		}
		return lunToken, nil
	}

	logger := m.logger.With("controller", st.Controller, "volume_id", volumeID)
	rb := device.NewRollback(m.opts.Retry, logger)
	rb.Add("delete controller "+st.Controller, func(ctx context.Context) error {
		return m.deleteController(ctx, st.Controller)
	})

	req := createControllerRequest{Ctrlr: st.Controller, DevName: volumeID, CPUMask: st.CPUMask}
	if err := m.client.Call(ctx, "vhost_create_blk_controller", req, nil); err != nil {
		err = fmt.Errorf("failed to create controller %s for %s: %w", st.Controller, volumeID, err)
		if target.IsRejected(err) {
			return "", device.FromTarget(err)
		}
		// The controller may exist even though the call failed.
		return "", rb.Run(ctx, err)
	}

	if st.VMDomain != "" {
		if err := m.opts.VM.AttachDisk(ctx, st.VMDomain, st.VMDisk, st.Socket); err != nil {
			return "", rb.Run(ctx, device.Errorf(device.KindBackendFailure, "hot-plug into %s: %v", st.VMDomain, err))
		}
	}

	logger.Info("volume attached", "socket", st.Socket, "vm_domain", st.VMDomain)
	return lunToken, nil
}

// DetachVolume removes the controller serving the volume.
func (m *Manager) DetachVolume(ctx context.Context, state device.State, volumeID, token string) error {
	st, err := m.decode(state)
	if err != nil {
		return err
	}
	ctrl, err := m.lookup(ctx, st.Controller)
	if err != nil {
		return device.FromTarget(err)
	}
	if ctrl != nil {
		if bdev := ctrl.BackendSpecific.Block.Bdev; bdev != "" && bdev != volumeID {
			return device.Errorf(device.KindInvalidState, "controller %s serves %s, not %s", st.Controller, bdev, volumeID)
		}
		if err := m.teardown(ctx, st); err != nil {
			return err
		}
	}
	m.logger.Info("volume detached", "controller", st.Controller, "volume_id", volumeID)
	return nil
}

func (m *Manager) getControllers(ctx context.Context, name string) ([]controllerInfo, error) {
	var ctrls []controllerInfo
	if err := m.client.Call(ctx, "vhost_get_controllers", getControllersRequest{Name: name}, &ctrls); err != nil {
		return nil, err
	}
	return ctrls, nil
}

// Describe reports the device. A device without a volume has no controller
// on the target and is still present.
func (m *Manager) Describe(ctx context.Context, state device.State) (*device.Description, error) {
	st, err := m.decode(state)
	if err != nil {
		return nil, err
	}
	ctrl, err := m.lookup(ctx, st.Controller)
	if err != nil {
		return nil, device.FromTarget(err)
	}

	var desc *device.Description
	if ctrl == nil {
		desc = &device.Description{
			Present: true,
			Resources: map[string]string{
				"controller": st.Controller,
				"socket":     st.Socket,
			},
		}
	} else {
		desc = describeController(*ctrl, st.Socket)
	}
	if st.VMDomain != "" {
		desc.Resources["vm_domain"] = st.VMDomain
		desc.Resources["vm_disk"] = st.VMDisk
	}
	return desc, nil
}

func describeController(c controllerInfo, socket string) *device.Description {
	desc := &device.Description{
		Present: true,
		Resources: map[string]string{
			"controller": c.Ctrlr,
			"cpumask":    c.CPUMask,
			"socket":     socket,
		},
	}
	if bdev := c.BackendSpecific.Block.Bdev; bdev != "" {
		desc.Resources["bdev"] = bdev
		desc.Volumes = []device.Attachment{{VolumeID: bdev, Token: lunToken}}
	}
	return desc
}

// Discover lists every vhost controller on the target.
func (m *Manager) Discover(ctx context.Context) ([]device.Discovered, error) {
	ctrls, err := m.getControllers(ctx, "")
	if err != nil {
		return nil, device.FromTarget(err)
	}

	found := make([]device.Discovered, 0, len(ctrls))
	for _, c := range ctrls {
		d := device.Discovered{Name: c.Ctrlr}
		if handle, ok := naming.HandleFromController(c.Ctrlr); ok {
			st := backendState{Controller: c.Ctrlr, Socket: filepath.Join(m.opts.SocketDir, c.Ctrlr), CPUMask: c.CPUMask}
			d.Handle = handle
			d.State = m.encode(st)
			d.Volumes = describeController(c, st.Socket).Volumes
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
