// Package status defines the device lifecycle phases and the transitions the
// registry allows between them.
package status

import "fmt"

// Phase is a device's lifecycle phase.
type Phase string

const (
	// PhaseCreating is held while a plugin provisions backend resources.
	PhaseCreating Phase = "creating"
	// PhaseReady means the device is fully provisioned.
	PhaseReady Phase = "ready"
	// PhaseDeleting is held while a plugin tears down backend resources.
	PhaseDeleting Phase = "deleting"
	// PhaseError flags a device whose backend state could not be confirmed.
	// Only delete is accepted.
	PhaseError Phase = "error"
)

var transitions = map[Phase][]Phase{
	PhaseCreating: {PhaseReady, PhaseError},
	PhaseReady:    {PhaseDeleting},
	// Back to ready when the target explicitly rejected the teardown and
	// nothing was removed; to error when that could not be confirmed.
	PhaseDeleting: {PhaseReady, PhaseError},
	PhaseError:    {PhaseDeleting},
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

func (p Phase) String() string {
	return string(p)
}

// ValidateTransition returns an error if a device may not move from one
// phase to the other. Staying in the same phase is always allowed.
func ValidateTransition(from, to Phase) error {
	if !from.Valid() {
		return fmt.Errorf("unknown phase %q", from)
	}
	if !to.Valid() {
		return fmt.Errorf("unknown phase %q", to)
	}
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", from, to)
}

// ParsePhase converts s to a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// AllowsAttach returns true if volumes may be attached or detached.
func AllowsAttach(p Phase) bool {
	return p == PhaseReady
}

// AllowsDelete returns true if a delete may start from p.
func AllowsDelete(p Phase) bool {
	return p == PhaseReady || p == PhaseError
}

// IsTransitioning returns true while a plugin call owns the device.
func IsTransitioning(p Phase) bool {
	return p == PhaseCreating || p == PhaseDeleting
}
