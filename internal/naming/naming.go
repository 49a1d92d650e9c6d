// Package naming provides the conventions the agent uses to name and tag the
// resources it creates on the storage target, so that they can be recognized
// again after a restart.
//
// Resources that do not follow these conventions were not created by the
// agent and must never be modified by it.
package naming

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// TagPrefix marks an NVMe-oF subsystem model number as agent-owned.
	TagPrefix = "sma:"

	// ControllerPrefix marks a vhost controller name as agent-owned.
	ControllerPrefix = "sma-"

	// NQNPrefix is the NQN namespace for subsystems the agent names itself.
	NQNPrefix = "nqn.2016-06.io.spdk:"

	// MaxModelNumber is the longest model number the NVMe spec allows.
	MaxModelNumber = 40

	// MaxSerialNumber is the longest serial number the NVMe spec allows.
	MaxSerialNumber = 20
)

// NewHandle returns a fresh random device handle.
func NewHandle() string {
	return uuid.NewString()
}

// ValidHandle reports whether h has the form NewHandle produces.
func ValidHandle(h string) bool {
	_, err := uuid.Parse(h)
	return err == nil && len(h) == 36
}

// Tag returns the subsystem model number for a handle.
//
// Example: Tag("0d6c...") → "sma:0d6c..." (40 chars for a uuid handle)
func Tag(handle string) string {
	return TagPrefix + handle
}

// HandleFromTag recovers the handle from a model number written by Tag.
func HandleFromTag(tag string) (string, bool) {
	return handleAfter(tag, TagPrefix)
}

// SerialNumber returns a subsystem serial number for a handle: the first
// 20 hex digits of the uuid.
func SerialNumber(handle string) string {
	s := strings.ReplaceAll(handle, "-", "")
	if len(s) > MaxSerialNumber {
		s = s[:MaxSerialNumber]
	}
	return s
}

// ControllerName returns the vhost controller name for a handle.
// Format: sma-{handle}
func ControllerName(handle string) string {
	return ControllerPrefix + handle
}

// HandleFromController recovers the handle from a controller name.
func HandleFromController(name string) (string, bool) {
	return handleAfter(name, ControllerPrefix)
}

// DefaultNQN returns the NQN used when the caller does not supply one.
// Format: nqn.2016-06.io.spdk:sma-{handle}
func DefaultNQN(handle string) string {
	return fmt.Sprintf("%s%s%s", NQNPrefix, ControllerPrefix, handle)
}

// HandleFromNQN recovers the handle from an NQN built by DefaultNQN.
func HandleFromNQN(nqn string) (string, bool) {
	return handleAfter(nqn, NQNPrefix+ControllerPrefix)
}

func handleAfter(s, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok || !ValidHandle(rest) {
		return "", false
	}
	return rest, true
}
