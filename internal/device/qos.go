package device

import (
	"context"
	"fmt"

	"github.com/jbweber/sma/internal/target"
)

// QoS limit names, as reported by QoSManager.QoSCapabilities.
const (
	QoSReadWriteIOPS      = "rw_iops"
	QoSReadWriteBandwidth = "rw_bandwidth_mbps"
	QoSReadBandwidth      = "r_bandwidth_mbps"
	QoSWriteBandwidth     = "w_bandwidth_mbps"
)

// BdevQoSCapabilities lists the limits SetBdevQoS supports.
func BdevQoSCapabilities() []string {
	return []string{QoSReadWriteIOPS, QoSReadWriteBandwidth, QoSReadBandwidth, QoSWriteBandwidth}
}

// QoSLimits are per-volume rate limits. Zero means unlimited.
type QoSLimits struct {
	ReadWriteIOPS      uint64 `json:"rw_iops,omitempty" yaml:"rw_iops,omitempty"`
	ReadWriteBandwidth uint64 `json:"rw_bandwidth_mbps,omitempty" yaml:"rw_bandwidth_mbps,omitempty"`
	ReadBandwidth      uint64 `json:"r_bandwidth_mbps,omitempty" yaml:"r_bandwidth_mbps,omitempty"`
	WriteBandwidth     uint64 `json:"w_bandwidth_mbps,omitempty" yaml:"w_bandwidth_mbps,omitempty"`
}

// Validate rejects a request that sets no limit at all.
func (l QoSLimits) Validate() error {
	if l == (QoSLimits{}) {
		return Errorf(KindInvalidParams, "at least one QoS limit must be set")
	}
	return nil
}

type bdevQoSRequest struct {
	Name               string `json:"name"`
	ReadWriteIOPS      uint64 `json:"rw_ios_per_sec"`
	ReadWriteBandwidth uint64 `json:"rw_mbytes_per_sec"`
	ReadBandwidth      uint64 `json:"r_mbytes_per_sec"`
	WriteBandwidth     uint64 `json:"w_mbytes_per_sec"`
}

// SetBdevQoS applies limits to the bdev backing a volume. Volumes are
// addressed on the target by their volume id.
func SetBdevQoS(ctx context.Context, c target.Caller, bdev string, limits QoSLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	req := bdevQoSRequest{
		Name:               bdev,
		ReadWriteIOPS:      limits.ReadWriteIOPS,
		ReadWriteBandwidth: limits.ReadWriteBandwidth,
		ReadBandwidth:      limits.ReadBandwidth,
		WriteBandwidth:     limits.WriteBandwidth,
	}
	if err := c.Call(ctx, "bdev_set_qos_limit", req, nil); err != nil {
		return FromTarget(fmt.Errorf("failed to set QoS on %s: %w", bdev, err))
	}
	return nil
}
