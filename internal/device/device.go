package device

import (
	"context"
	"fmt"
)

// Kind identifies the transport technology a device is exposed through.
type Kind string

const (
	KindNVMeTCP  Kind = "nvme-tcp"
	KindVhostBlk Kind = "vhost-blk"
	KindNVMeVFIO Kind = "nvme-vfio"
)

// Kinds lists every transport kind the agent knows about.
func Kinds() []Kind {
	return []Kind{KindNVMeTCP, KindVhostBlk, KindNVMeVFIO}
}

// Attachment records a volume attached to a device and the backend token the
// target returned for it (namespace id, LUN).
type Attachment struct {
	VolumeID string `json:"volume_id" yaml:"volume_id"`
	Token    string `json:"token" yaml:"token"`
}

// Manager is implemented by each transport plugin.
//
// Create must either return a complete State, or clean up everything it
// provisioned before returning an error. When cleanup cannot be confirmed it
// returns a DirtyState error together with a State describing what may still
// exist on the target, so a later Delete can finish the job.
type Manager interface {
	// Kind returns the transport kind this plugin serves.
	Kind() Kind

	// Schema describes the parameters Create accepts.
	Schema() Schema

	// Validate performs semantic checks on already schema-valid parameters.
	// It must not touch the target.
	Validate(params Params) error

	// Create provisions the device's resources on the target.
	Create(ctx context.Context, handle string, params Params) (State, error)

	// Delete removes every resource described by state. Resources that are
	// already gone are not an error.
	Delete(ctx context.Context, state State) error

	// AttachVolume exposes volumeID through the device and returns the
	// backend token for the attachment. attached lists the current
	// attachments in order.
	AttachVolume(ctx context.Context, state State, attached []Attachment, volumeID string, params Params) (string, error)

	// DetachVolume removes the attachment identified by volumeID and token.
	DetachVolume(ctx context.Context, state State, volumeID, token string) error

	// Describe reports what the target currently holds for state.
	Describe(ctx context.Context, state State) (*Description, error)
}

// Description is a transport-specific diagnostic view of a device's backend
// resources, as reported by the target.
type Description struct {
	Present   bool
	Resources map[string]string
	Volumes   []Attachment
}

// Discovered is a target resource found during reconciliation. Handle is empty
// when the resource does not carry the agent's naming tag.
type Discovered struct {
	Handle  string
	Name    string
	State   State
	Volumes []Attachment
}

// Discoverer is implemented by plugins that can enumerate their resources on
// the target, which lets the agent rebuild its registry after a restart.
type Discoverer interface {
	Discover(ctx context.Context) ([]Discovered, error)
}

// QoSManager is implemented by plugins that can rate-limit attached volumes.
type QoSManager interface {
	QoSCapabilities() []string
	SetVolumeQoS(ctx context.Context, state State, volumeID string, limits QoSLimits) error
}

// FindAttachment returns the attachment for volumeID, if any.
func FindAttachment(attached []Attachment, volumeID string) (Attachment, bool) {
	for _, a := range attached {
		if a.VolumeID == volumeID {
			return a, true
		}
	}
	return Attachment{}, false
}

// RequireVolumeID rejects an empty volume id.
func RequireVolumeID(volumeID string) error {
	if volumeID == "" {
		return Errorf(KindInvalidParams, "volume id is required")
	}
	return nil
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind converts s to a Kind without checking that a plugin exists for it.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return "", Errorf(KindInvalidParams, "transport kind is required")
	}
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", &Error{Kind: KindUnsupportedTransport, Err: fmt.Errorf("unknown transport kind %q", s)}
}
