package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/status"
)

// maxHandleAttempts bounds handle allocation retries on collision.
const maxHandleAttempts = 8

// CreateRequest asks for a new device.
type CreateRequest struct {
	Kind   string
	Params device.Params
	// IdempotencyKey, if set, deduplicates retried requests.
	IdempotencyKey string
}

type createResult struct {
	handle      string
	fingerprint string
}

// CreateDevice validates the request, provisions the device through its
// plugin and returns the new handle.
//
// On plugin failure the record is removed and the plugin's classified error
// is returned. If the plugin could not confirm its cleanup, the record is kept
// in the error phase and the DirtyState error carries its handle.
func (d *Dispatcher) CreateDevice(ctx context.Context, req CreateRequest) (string, error) {
	p, err := d.plugin(req.Kind)
	if err != nil {
		return "", device.Annotate(err, "create", "", "")
	}
	kind := p.Kind()

	params := req.Params
	if params == nil {
		params = device.Params{}
	}
	if err := p.Schema().Validate(params); err != nil {
		return "", device.Annotate(err, "create", kind, "")
	}
	if err := p.Validate(params); err != nil {
		return "", device.Annotate(err, "create", kind, "")
	}

	if req.IdempotencyKey == "" {
		return d.create(ctx, p, params, "", "")
	}

	fp, err := fingerprint(kind, params)
	if err != nil {
		return "", device.Annotate(device.Errorf(device.KindInvalidParams, "%v", err), "create", kind, "")
	}
	if handle, done, err := d.replay(req.IdempotencyKey, fp, kind); done {
		return handle, err
	}

	v, err, _ := d.flight.Do(req.IdempotencyKey, func() (any, error) {
		if handle, done, err := d.replay(req.IdempotencyKey, fp, kind); done {
			return createResult{handle: handle, fingerprint: fp}, err
		}
		handle, err := d.create(ctx, p, params, req.IdempotencyKey, fp)
		return createResult{handle: handle, fingerprint: fp}, err
	})
	// Callers sharing a flight may have sent different parameters.
	res, _ := v.(createResult)
	if res.fingerprint != fp {
		return "", keyReused(req.IdempotencyKey, kind)
	}
	if err != nil {
		return "", err
	}
	return res.handle, nil
}

// replay answers a request whose key was seen before. done is false when the
// key is unknown or its device no longer exists.
func (d *Dispatcher) replay(key, fp string, kind device.Kind) (handle string, done bool, err error) {
	e, ok := d.keys.lookup(key)
	if !ok {
		return "", false, nil
	}
	dev, err := d.reg.Get(e.handle)
	if err != nil {
		d.keys.forget(key, e.handle)
		return "", false, nil
	}
	if e.fingerprint != fp {
		return "", true, keyReused(key, kind)
	}
	if dev.Phase == status.PhaseError {
		return "", true, &device.Error{
			Kind: device.KindDirtyState, Op: "create", Transport: dev.Kind, Handle: dev.Handle,
			Err: fmt.Errorf("device from an earlier request needs cleanup: %s", dev.Reason),
		}
	}
	d.logger.Info("idempotent create replayed", "handle", dev.Handle, "idempotency_key", key)
	return dev.Handle, true, nil
}

func keyReused(key string, kind device.Kind) error {
	return device.Annotate(
		device.Errorf(device.KindInvalidParams, "idempotency key %q was used with different parameters", key),
		"create", kind, "")
}

func (d *Dispatcher) create(ctx context.Context, p device.Manager, params device.Params, key, fp string) (string, error) {
	ctx = context.WithoutCancel(ctx)
	kind := p.Kind()

	lease, err := d.insert(kind, key, fp)
	if err != nil {
		return "", device.Annotate(err, "create", kind, "")
	}
	defer lease.Release()

	dev := lease.Device()
	handle := dev.Handle
	logger := d.logger.With("handle", handle, "transport", kind)
	d.persist(ctx, dev)

	state, createErr := p.Create(ctx, handle, params)
	if createErr != nil {
		createErr = device.Annotate(createErr, "create", kind, handle)

		if errors.Is(createErr, device.ErrDirtyState) {
			dev, err := lease.Update(func(dev *registry.Device) {
				dev.Phase = status.PhaseError
				dev.Backend = state
				dev.Reason = createErr.Error()
			})
			if err != nil {
				return "", fmt.Errorf("failed to flag device %s: %w", handle, err)
			}
			d.keys.put(key, handle, fp)
			d.persist(ctx, dev)
			logger.Error("create left backend state unconfirmed", "error", createErr)
			return "", createErr
		}

		lease.Remove()
		d.unpersist(ctx, handle)
		logger.Warn("create failed", "error", createErr)
		return "", createErr
	}

	dev, err = lease.Update(func(dev *registry.Device) {
		dev.Phase = status.PhaseReady
		dev.Backend = state
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit device %s: %w", handle, err)
	}
	d.keys.put(key, handle, fp)
	d.persist(ctx, dev)

	logger.Info("device created")
	return handle, nil
}

// insert allocates a fresh handle and inserts a creating record for it.
func (d *Dispatcher) insert(kind device.Kind, key, fp string) (*registry.Lease, error) {
	for i := 0; i < maxHandleAttempts; i++ {
		lease, err := d.reg.Insert(registry.Device{
			Handle:         d.opts.NewHandle(),
			Kind:           kind,
			Phase:          status.PhaseCreating,
			IdempotencyKey: key,
			Fingerprint:    fp,
		})
		if errors.Is(err, registry.ErrExists) {
			continue
		}
		return lease, err
	}
	return nil, device.Errorf(device.KindBackendFailure, "could not allocate a unique handle after %d attempts", maxHandleAttempts)
}
