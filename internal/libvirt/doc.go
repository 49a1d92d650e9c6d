// Package libvirt hot-plugs vhost-user block disks into running libvirt
// domains.
//
// Disk definitions are built with libvirtxml and applied live through
// github.com/digitalocean/go-libvirt. HotPlugger talks to the daemon through
// the domainClient interface, which *libvirt.Libvirt satisfies; the vhostblk
// plugin in turn declares the interface it needs from HotPlugger.
//
// Example usage:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	hp := client.HotPlugger()
//	if err := hp.AttachDisk(ctx, "guest-1", "vdb", "/var/tmp/vhost/sma-<handle>"); err != nil {
//	    return err
//	}
package libvirt
