// Package nvmftcp implements the nvme-tcp device plugin.
//
// A device is an NVMe-oF subsystem with one TCP listener. Each attached
// volume becomes a namespace of that subsystem, so a device can carry any
// number of volumes.
//
// Parameters:
//
//	subsystem       (string, required) subsystem NQN
//	address         (string, required) listen IP address
//	port            (int, required)    listen port
//	adrfam          (string)           IPv4 or IPv6, derived from address if unset
//	allow_any_host  (bool)             defaults to true
//
// Subsystem Reuse:
//
// By default an existing subsystem with the requested NQN is refused with
// DeviceBusy. With Options.ReuseSubsystem the device adopts it instead, adds
// its listener if missing, and on delete removes only what it added itself.
//
// Subsystems the plugin creates carry the device handle in their model
// number (see internal/naming), which lets Discover find them again.
//
// Consumer-Side Interface:
//
// The plugin talks to the target through target.Caller, satisfied in
// production by *target.Client.
//
// Example usage:
//
//	client := target.NewClient("/var/tmp/spdk.sock", 0)
//	mgr := nvmftcp.New(client, nvmftcp.Options{Logger: logger})
//	state, err := mgr.Create(ctx, handle, device.Params{
//	    "subsystem": "nqn.2016-06.io.spdk:cnode1",
//	    "address":   "127.0.0.1",
//	    "port":      4420,
//	})
package nvmftcp
