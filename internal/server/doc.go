// Package server exposes the agent Dispatcher over gRPC.
//
// Messages are JSON encoded (see api/v1). Errors carry a gRPC code mapped
// from the agent's error taxonomy, and the status message is prefixed with
// the taxonomy kind ("NotFound: ...") so clients can recover it exactly.
//
// The standard gRPC health service is registered alongside the agent
// service. It reports NOT_SERVING until SetServing is called, which the
// process does once startup reconciliation has finished.
package server
