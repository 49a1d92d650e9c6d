// Package agent implements the Dispatcher: the single entry point that routes
// device requests to transport plugins and keeps the registry consistent with
// what the target was asked to do.
//
// Lifecycle:
//
//	CreateDevice  creating -> ready, or removed on failure, or error when
//	              compensation could not be confirmed (DirtyState)
//	DeleteDevice  ready|error -> deleting -> removed, or back to the previous
//	              phase when the target rejected the teardown, or error
//	AttachVolume / DetachVolume require ready
//
// Every operation on a handle holds that handle's registry lease for its whole
// duration, so operations on one device run one at a time while different
// devices proceed in parallel. Once a plugin call is issued the operation runs
// to completion even if the caller's context is cancelled.
//
// Busy Policy:
//
// Deleting a ready device that still has volumes is governed by
// Options.BusyPolicy. BusyReject (the default) fails with DeviceBusy;
// BusyDetach detaches every volume, newest first, and then deletes.
//
// Idempotency:
//
// CreateDevice requests carrying an idempotency key are deduplicated: the
// same key with the same transport and parameters returns the original
// handle, and the same key with different parameters is InvalidParams. Keys
// are forgotten when their device is deleted.
//
// Consumer-Side Interface:
//
// The Dispatcher persists committed records through the Journal interface,
// satisfied by *journal.Journal. A nil Journal disables persistence.
//
// Example usage:
//
//	d, err := agent.New(registry.New(), agent.Options{Logger: logger},
//	    nvmftcp.New(client, nvmftcp.Options{}),
//	    vhostblk.New(client, vhostblk.Options{}),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := d.Reconcile(ctx); err != nil {
//	    return err
//	}
//	handle, err := d.CreateDevice(ctx, agent.CreateRequest{
//	    Kind:   "nvme-tcp",
//	    Params: device.Params{"subsystem": "nqn.test", "address": "127.0.0.1", "port": 4420},
//	})
package agent
