package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/naming"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/status"
)

// BusyPolicy decides what DeleteDevice does with attached volumes.
type BusyPolicy string

const (
	// BusyReject fails the delete with DeviceBusy.
	BusyReject BusyPolicy = "reject"
	// BusyDetach detaches every volume before deleting.
	BusyDetach BusyPolicy = "detach"
)

// ParseBusyPolicy converts s to a BusyPolicy. Empty means BusyReject.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(s) {
	case "", BusyReject:
		return BusyReject, nil
	case BusyDetach:
		return BusyDetach, nil
	default:
		return "", fmt.Errorf("unknown busy policy %q (want %q or %q)", s, BusyReject, BusyDetach)
	}
}

// Journal persists committed registry records.
//
// In production, this is satisfied by *journal.Journal.
// In tests, this is satisfied by mock implementations.
type Journal interface {
	SaveDevice(ctx context.Context, dev *registry.Device) error
	DeleteDevice(ctx context.Context, handle string) error
	LoadDevices(ctx context.Context) ([]*registry.Device, error)
}

// Options configures a Dispatcher.
type Options struct {
	BusyPolicy BusyPolicy
	Journal    Journal
	Logger     *slog.Logger
	// NewHandle allocates handles. Defaults to naming.NewHandle.
	NewHandle func() string
}

// Dispatcher routes device operations to plugins.
type Dispatcher struct {
	reg     *registry.Registry
	plugins map[device.Kind]device.Manager
	opts    Options
	logger  *slog.Logger

	keys   *keyTable
	flight singleflight.Group
}

// New creates a Dispatcher serving the given plugins, one per kind.
func New(reg *registry.Registry, opts Options, managers ...device.Manager) (*Dispatcher, error) {
	policy, err := ParseBusyPolicy(string(opts.BusyPolicy))
	if err != nil {
		return nil, err
	}
	opts.BusyPolicy = policy
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewHandle == nil {
		opts.NewHandle = naming.NewHandle
	}

	plugins := make(map[device.Kind]device.Manager, len(managers))
	for _, m := range managers {
		if _, dup := plugins[m.Kind()]; dup {
			return nil, fmt.Errorf("duplicate plugin for transport %s", m.Kind())
		}
		plugins[m.Kind()] = m
	}

	return &Dispatcher{
		reg:     reg,
		plugins: plugins,
		opts:    opts,
		logger:  opts.Logger.With("component", "dispatcher"),
		keys:    newKeyTable(),
	}, nil
}

// Kinds returns the transport kinds with a registered plugin, sorted.
func (d *Dispatcher) Kinds() []device.Kind {
	kinds := make([]device.Kind, 0, len(d.plugins))
	for k := range d.plugins {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// BusyPolicy returns the configured policy.
func (d *Dispatcher) BusyPolicy() BusyPolicy {
	return d.opts.BusyPolicy
}

func (d *Dispatcher) plugin(kind string) (device.Manager, error) {
	k, err := device.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	p, ok := d.plugins[k]
	if !ok {
		return nil, &device.Error{Kind: device.KindUnsupportedTransport, Transport: k, Err: fmt.Errorf("no plugin registered for %s", k)}
	}
	return p, nil
}

// DeviceView is the public view of a device. Backend state is never exposed.
type DeviceView struct {
	Handle    string
	Kind      device.Kind
	Phase     status.Phase
	Volumes   []string
	Reason    string
	CreatedAt time.Time
}

func viewOf(dev *registry.Device) DeviceView {
	return DeviceView{
		Handle:    dev.Handle,
		Kind:      dev.Kind,
		Phase:     dev.Phase,
		Volumes:   dev.VolumeIDs(),
		Reason:    dev.Reason,
		CreatedAt: dev.CreatedAt,
	}
}

// GetDevice returns one device.
func (d *Dispatcher) GetDevice(handle string) (DeviceView, error) {
	dev, err := d.reg.Get(handle)
	if err != nil {
		return DeviceView{}, device.Annotate(err, "get", "", handle)
	}
	return viewOf(dev), nil
}

// ListDevices returns every device, oldest first.
func (d *Dispatcher) ListDevices() []DeviceView {
	devs := d.reg.List()
	views := make([]DeviceView, len(devs))
	for i, dev := range devs {
		views[i] = viewOf(dev)
	}
	return views
}

// persist writes the record to the journal. Failures are logged only: the
// registry stays authoritative and reconciliation covers the gap.
func (d *Dispatcher) persist(ctx context.Context, dev *registry.Device) {
	if d.opts.Journal == nil {
		return
	}
	if err := d.opts.Journal.SaveDevice(ctx, dev); err != nil {
		d.logger.Error("journal write failed", "handle", dev.Handle, "error", err)
	}
}

func (d *Dispatcher) unpersist(ctx context.Context, handle string) {
	if d.opts.Journal == nil {
		return
	}
	if err := d.opts.Journal.DeleteDevice(ctx, handle); err != nil {
		d.logger.Error("journal delete failed", "handle", handle, "error", err)
	}
}

// acquire leases handle for op and detaches the context from cancellation.
func (d *Dispatcher) acquire(ctx context.Context, op, handle string) (context.Context, *registry.Lease, error) {
	lease, err := d.reg.Acquire(ctx, handle)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%s %s: waiting for device: %w", op, handle, err)
		}
		return nil, nil, device.Annotate(err, op, "", handle)
	}
	return context.WithoutCancel(ctx), lease, nil
}

func (d *Dispatcher) pluginFor(dev *registry.Device, op string) (device.Manager, error) {
	p, ok := d.plugins[dev.Kind]
	if !ok {
		return nil, &device.Error{
			Kind: device.KindUnsupportedTransport, Op: op, Transport: dev.Kind, Handle: dev.Handle,
			Err: fmt.Errorf("no plugin registered for %s", dev.Kind),
		}
	}
	return p, nil
}

func invalidState(op string, dev *registry.Device) error {
	return &device.Error{
		Kind: device.KindInvalidState, Op: op, Transport: dev.Kind, Handle: dev.Handle,
		Err: fmt.Errorf("device is %s", dev.Phase),
	}
}
