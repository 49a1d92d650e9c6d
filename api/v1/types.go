// Package v1 contains the wire types of the Storage Management Agent's
// inbound API.
//
// Messages are plain structs carried over gRPC with the JSON codec
// registered by this package, so the same types serve the server, the CLI
// client and YAML/JSON output.
package v1

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sma.v1.StorageManagementAgent"

// Method names, relative to ServiceName.
const (
	MethodCreateDevice       = "CreateDevice"
	MethodDeleteDevice       = "DeleteDevice"
	MethodGetDevice          = "GetDevice"
	MethodListDevices        = "ListDevices"
	MethodAttachVolume       = "AttachVolume"
	MethodDetachVolume       = "DetachVolume"
	MethodSetQoS             = "SetQoS"
	MethodGetQoSCapabilities = "GetQoSCapabilities"
	MethodPingTarget         = "PingTarget"
)

// FullMethod returns the gRPC path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Device is the public view of an agent-managed device. Backend state is
// never part of it.
type Device struct {
	Handle    string   `json:"handle" yaml:"handle"`
	Transport string   `json:"transport" yaml:"transport"`
	State     string   `json:"state" yaml:"state"`
	Volumes   []string `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	// Reason explains the error state.
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt Time   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// QoSLimits are per-volume rate limits. Zero means unlimited.
type QoSLimits struct {
	ReadWriteIOPS      uint64 `json:"rw_iops,omitempty" yaml:"rw_iops,omitempty"`
	ReadWriteBandwidth uint64 `json:"rw_bandwidth_mbps,omitempty" yaml:"rw_bandwidth_mbps,omitempty"`
	ReadBandwidth      uint64 `json:"r_bandwidth_mbps,omitempty" yaml:"r_bandwidth_mbps,omitempty"`
	WriteBandwidth     uint64 `json:"w_bandwidth_mbps,omitempty" yaml:"w_bandwidth_mbps,omitempty"`
}

type CreateDeviceRequest struct {
	Transport string         `json:"transport"`
	Params    map[string]any `json:"params,omitempty"`
	// IdempotencyKey makes retried creates return the original handle.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CreateDeviceResponse struct {
	Handle string `json:"handle"`
}

type DeleteDeviceRequest struct {
	Handle string `json:"handle"`
}

type DeleteDeviceResponse struct{}

type GetDeviceRequest struct {
	Handle string `json:"handle"`
}

type GetDeviceResponse struct {
	Device Device `json:"device"`
}

type ListDevicesRequest struct{}

type ListDevicesResponse struct {
	Devices []Device `json:"devices"`
}

type AttachVolumeRequest struct {
	Handle   string         `json:"handle"`
	VolumeID string         `json:"volume_id"`
	Params   map[string]any `json:"params,omitempty"`
}

type AttachVolumeResponse struct {
	Token string `json:"token"`
}

type DetachVolumeRequest struct {
	Handle   string `json:"handle"`
	VolumeID string `json:"volume_id"`
}

type DetachVolumeResponse struct{}

type SetQoSRequest struct {
	Handle   string    `json:"handle"`
	VolumeID string    `json:"volume_id"`
	Limits   QoSLimits `json:"limits"`
}

type SetQoSResponse struct{}

type GetQoSCapabilitiesRequest struct {
	Transport string `json:"transport"`
}

type GetQoSCapabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
}

type PingTargetRequest struct{}

type PingTargetResponse struct {
	Version string `json:"version"`
}

// Time is a time.Time that serializes as RFC3339, or null when zero.
type Time struct {
	time.Time `json:"-" yaml:"-"`
}

// NewTime wraps t.
func NewTime(t time.Time) Time {
	return Time{Time: t}
}

// MarshalJSON implements the json.Marshaler interface.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *Time) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || string(b) == `""` {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (t Time) MarshalYAML() (any, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UTC().Format(time.RFC3339), nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (t *Time) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" || node.Value == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, node.Value)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}
