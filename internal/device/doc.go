// Package device defines the contract between the agent's dispatcher and the
// transport plugins that expose storage devices on the target.
//
// A plugin (Manager) translates transport-agnostic requests (create, delete,
// attach volume, detach volume, describe) into one or more target commands,
// and owns the backend State those commands produce. The dispatcher stores
// State next to the device record but never decodes it; only the plugin whose
// Kind matches may read or write it.
//
// Error Taxonomy:
//
// Every failure that crosses the plugin boundary is an *Error carrying one of
// the Kind values below. Use errors.Is with the Err* sentinels, or KindOf, to
// branch on the class of failure:
//
//	InvalidParams         malformed or missing parameters, no side effects
//	UnsupportedTransport  no plugin registered for the requested kind
//	NotFound              unknown handle or volume id
//	InvalidState          operation not allowed in the current lifecycle state
//	DeviceBusy            policy rejects the operation (e.g. delete with volumes)
//	CapacityExceeded      backend resource limit reached
//	BackendFailure        the target rejected a command
//	Unreachable           the target could not be contacted, retryable
//	DirtyState            partial failure whose compensation did not complete
//
// Compensation:
//
// Multi-step creates register an undo step after every successful target
// command with a Rollback. When a later step fails, Rollback.Run replays the
// undo steps in reverse order with bounded retries and returns either the
// original failure (target state is clean) or a DirtyState error (it is not).
package device
