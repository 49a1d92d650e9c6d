// Package target provides the control-plane client for the storage target
// process.
//
// The target accepts JSON-RPC 2.0 requests on a unix stream socket. Every
// call opens its own connection, writes a single request object and reads a
// single response object, so a Client is safe for concurrent use and one slow
// call never blocks another.
//
// Failure classes:
//
// The client distinguishes two kinds of failure, and callers are expected to
// treat them differently:
//   - *RPCError: the target received the request and rejected it. Retrying
//     without changing the parameters will generally fail the same way.
//   - ErrUnreachable: the target could not be contacted, the connection broke,
//     or the call timed out. Whether the command took effect is unknown.
//
// Consumer-Side Interface:
//
// Packages that issue target commands (internal/device and the transport
// plugins) depend on the Caller interface, which *Client satisfies. Tests
// substitute scripted fakes.
//
// Example usage:
//
//	c := target.NewClient("/var/tmp/spdk.sock", 30*time.Second)
//	version, err := c.Version(ctx)
//	if err != nil {
//	    return err
//	}
//
//	var nsid int
//	err = c.Call(ctx, "nvmf_subsystem_add_ns", params, &nsid)
package target
