package agent

import (
	"context"
	"fmt"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/status"
)

// AttachVolume exposes volumeID through the device and returns the backend
// token. Attaching a volume that is already attached returns its token.
func (d *Dispatcher) AttachVolume(ctx context.Context, handle, volumeID string, params device.Params) (string, error) {
	if err := device.RequireVolumeID(volumeID); err != nil {
		return "", device.Annotate(err, "attach", "", handle)
	}
	ctx, lease, err := d.acquire(ctx, "attach", handle)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	dev := lease.Device()
	if !status.AllowsAttach(dev.Phase) {
		return "", invalidState("attach", dev)
	}
	if a, ok := device.FindAttachment(dev.Volumes, volumeID); ok {
		return a.Token, nil
	}
	p, err := d.pluginFor(dev, "attach")
	if err != nil {
		return "", err
	}
	if params == nil {
		params = device.Params{}
	}

	token, err := p.AttachVolume(ctx, dev.Backend, dev.Volumes, volumeID, params)
	if err != nil {
		err = device.Annotate(err, "attach", dev.Kind, handle)
		d.logger.Warn("attach failed", "handle", handle, "volume_id", volumeID, "error", err)
		return "", err
	}

	dev, err = lease.Update(func(dev *registry.Device) {
		dev.Volumes = append(dev.Volumes, device.Attachment{VolumeID: volumeID, Token: token})
	})
	if err != nil {
		return "", fmt.Errorf("failed to record attachment on %s: %w", handle, err)
	}
	d.persist(ctx, dev)
	d.logger.Info("volume attached", "handle", handle, "volume_id", volumeID, "token", token)
	return token, nil
}

// DetachVolume removes volumeID from the device.
func (d *Dispatcher) DetachVolume(ctx context.Context, handle, volumeID string) error {
	if err := device.RequireVolumeID(volumeID); err != nil {
		return device.Annotate(err, "detach", "", handle)
	}
	ctx, lease, err := d.acquire(ctx, "detach", handle)
	if err != nil {
		return err
	}
	defer lease.Release()

	dev := lease.Device()
	if !status.AllowsAttach(dev.Phase) {
		return invalidState("detach", dev)
	}
	a, ok := device.FindAttachment(dev.Volumes, volumeID)
	if !ok {
		return volumeNotFound("detach", dev, volumeID)
	}
	p, err := d.pluginFor(dev, "detach")
	if err != nil {
		return err
	}

	if err := p.DetachVolume(ctx, dev.Backend, a.VolumeID, a.Token); err != nil {
		err = device.Annotate(err, "detach", dev.Kind, handle)
		d.logger.Warn("detach failed", "handle", handle, "volume_id", volumeID, "error", err)
		return err
	}

	dev, err = lease.Update(func(dev *registry.Device) { dev.Volumes = removeVolume(dev.Volumes, volumeID) })
	if err != nil {
		return fmt.Errorf("failed to record detach on %s: %w", handle, err)
	}
	d.persist(ctx, dev)
	d.logger.Info("volume detached", "handle", handle, "volume_id", volumeID)
	return nil
}

func volumeNotFound(op string, dev *registry.Device, volumeID string) error {
	return &device.Error{
		Kind: device.KindNotFound, Op: op, Transport: dev.Kind, Handle: dev.Handle,
		Err: fmt.Errorf("volume %s is not attached", volumeID),
	}
}
