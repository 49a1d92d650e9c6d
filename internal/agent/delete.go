package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/status"
)

// DeleteDevice tears down a device and removes its record.
//
// The record is removed only after the plugin confirms the teardown. If the
// target rejected the teardown the device returns to its previous phase; if
// the outcome is unknown it moves to the error phase, from which delete can
// be retried.
func (d *Dispatcher) DeleteDevice(ctx context.Context, handle string) error {
	ctx, lease, err := d.acquire(ctx, "delete", handle)
	if err != nil {
		return err
	}
	defer lease.Release()

	dev := lease.Device()
	if !status.AllowsDelete(dev.Phase) {
		return invalidState("delete", dev)
	}
	p, err := d.pluginFor(dev, "delete")
	if err != nil {
		return err
	}
	logger := d.logger.With("handle", handle, "transport", dev.Kind)

	if len(dev.Volumes) > 0 {
		switch {
		case dev.Phase == status.PhaseError, d.opts.BusyPolicy == BusyDetach:
			next, err := d.detachAll(ctx, p, lease, dev, dev.Phase != status.PhaseError)
			if err != nil {
				return &device.Error{
					Kind: device.KindOf(err), Op: "delete", Transport: dev.Kind, Handle: handle, Err: err,
				}
			}
			dev = next
		default:
			return &device.Error{
				Kind: device.KindDeviceBusy, Op: "delete", Transport: dev.Kind, Handle: handle,
				Err: fmt.Errorf("volumes still attached: %s", strings.Join(dev.VolumeIDs(), ", ")),
			}
		}
	}

	prev := dev.Phase
	dev, err = lease.Update(func(dev *registry.Device) { dev.Phase = status.PhaseDeleting })
	if err != nil {
		return fmt.Errorf("failed to mark device %s deleting: %w", handle, err)
	}
	d.persist(ctx, dev)

	if deleteErr := p.Delete(ctx, dev.Backend); deleteErr != nil {
		deleteErr = device.Annotate(deleteErr, "delete", dev.Kind, handle)

		next := status.PhaseError
		if device.KindOf(deleteErr) == device.KindBackendFailure {
			next = prev
		}
		dev, err := lease.Update(func(dev *registry.Device) {
			dev.Phase = next
			if next == status.PhaseError {
				dev.Reason = deleteErr.Error()
			}
		})
		if err != nil {
			return errors.Join(deleteErr, err)
		}
		d.persist(ctx, dev)
		logger.Warn("delete failed", "error", deleteErr, "phase", next)
		return deleteErr
	}

	lease.Remove()
	d.unpersist(ctx, handle)
	d.keys.forget(dev.IdempotencyKey, handle)
	logger.Info("device deleted")
	return nil
}

// detachAll detaches volumes newest first and records each success. With
// stopOnError it returns the first detach failure; otherwise failures are
// logged and the volume is dropped from the record, since the teardown that
// follows removes it from the target anyway. A failed record update always
// stops the walk. The returned device reflects every recorded detach.
func (d *Dispatcher) detachAll(ctx context.Context, p device.Manager, lease *registry.Lease, dev *registry.Device, stopOnError bool) (*registry.Device, error) {
	for i := len(dev.Volumes) - 1; i >= 0; i-- {
		a := dev.Volumes[i]
		if err := p.DetachVolume(ctx, dev.Backend, a.VolumeID, a.Token); err != nil {
			d.logger.Warn("detach before delete failed", "handle", dev.Handle, "volume_id", a.VolumeID, "error", err)
			if stopOnError {
				return dev, fmt.Errorf("detach %s: %w", a.VolumeID, err)
			}
		}
		next, err := lease.Update(func(dev *registry.Device) { dev.Volumes = removeVolume(dev.Volumes, a.VolumeID) })
		if err != nil {
			return dev, fmt.Errorf("failed to record detach of %s: %w", a.VolumeID, err)
		}
		dev = next
		d.persist(ctx, dev)
	}
	return dev, nil
}

func removeVolume(volumes []device.Attachment, volumeID string) []device.Attachment {
	out := volumes[:0]
	for _, v := range volumes {
		if v.VolumeID != volumeID {
			out = append(out, v)
		}
	}
	return out
}
