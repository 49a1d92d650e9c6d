// Package vfiouser implements the nvme-vfio device plugin: an emulated NVMe
// controller a VM reaches through a vfio-user socket.
//
// A device is an NVMe-oF subsystem with a VFIOUSER listener whose address is
// a per-function directory under Options.SocketDir. The target creates the
// controller socket inside that directory; the plugin owns the directory
// itself and removes it on delete.
//
// Parameters:
//
//	physical_id  (int, required) physical function number
//	virtual_id   (int)           virtual function number, default 0
//	nqn          (string)        subsystem NQN, default naming.DefaultNQN(handle)
//
// Attached volumes become namespaces, up to Options.MaxNamespaces.
package vfiouser
