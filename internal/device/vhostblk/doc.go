// Package vhostblk implements the vhost-blk device plugin.
//
// A device is a vhost-user block controller named after the device handle
// (see internal/naming) whose socket lives in Options.SocketDir. The target
// binds a controller to exactly one bdev when it creates it, so Create only
// reserves the name and socket path; the first AttachVolume creates the
// controller for that volume and DetachVolume deletes it. A second volume
// fails with CapacityExceeded.
//
// Parameters:
//
//	cpumask    (string) reactor mask for the controller, e.g. "0x3"
//	vm_domain  (string) libvirt domain to hot-plug the controller into
//	vm_disk    (string) guest target device for the hot-plugged disk, e.g. "vdb"
//
// vm_domain and vm_disk go together and need Options.VM. With them, attach
// is two steps: the controller, then the live disk attach. A failed disk
// attach deletes the controller again.
package vhostblk
