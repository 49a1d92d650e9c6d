package agent

import (
	"context"
	"fmt"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/status"
)

// QoSCapabilities returns the limit names the plugin for kind supports.
func (d *Dispatcher) QoSCapabilities(kind string) ([]string, error) {
	p, err := d.plugin(kind)
	if err != nil {
		return nil, device.Annotate(err, "qos-capabilities", "", "")
	}
	q, ok := p.(device.QoSManager)
	if !ok {
		return nil, noQoS("qos-capabilities", p.Kind(), "")
	}
	return q.QoSCapabilities(), nil
}

// SetVolumeQoS applies rate limits to an attached volume.
func (d *Dispatcher) SetVolumeQoS(ctx context.Context, handle, volumeID string, limits device.QoSLimits) error {
	if err := device.RequireVolumeID(volumeID); err != nil {
		return device.Annotate(err, "qos", "", handle)
	}
	if err := limits.Validate(); err != nil {
		return device.Annotate(err, "qos", "", handle)
	}
	ctx, lease, err := d.acquire(ctx, "qos", handle)
	if err != nil {
		return err
	}
	defer lease.Release()

	dev := lease.Device()
	if !status.AllowsAttach(dev.Phase) {
		return invalidState("qos", dev)
	}
	if _, ok := device.FindAttachment(dev.Volumes, volumeID); !ok {
		return volumeNotFound("qos", dev, volumeID)
	}
	p, err := d.pluginFor(dev, "qos")
	if err != nil {
		return err
	}
	q, ok := p.(device.QoSManager)
	if !ok {
		return noQoS("qos", dev.Kind, handle)
	}

	if err := q.SetVolumeQoS(ctx, dev.Backend, volumeID, limits); err != nil {
		return device.Annotate(err, "qos", dev.Kind, handle)
	}
	d.logger.Info("volume qos set", "handle", handle, "volume_id", volumeID)
	return nil
}

func noQoS(op string, kind device.Kind, handle string) error {
	return &device.Error{
		Kind: device.KindUnsupportedTransport, Op: op, Transport: kind, Handle: handle,
		Err: fmt.Errorf("%s does not support QoS", kind),
	}
}
