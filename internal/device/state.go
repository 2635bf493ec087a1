// Package device implements the device capability contract and the
// physical device state machine of the simulated storage stack.
package device

// State is a tagged variant of a device's lifecycle state. Each concrete
// state knows which targets it may legally transition to and carries
// three capability predicates (Online, Offline, Faulted) used by vdevs to
// reason about their children without depending on concrete state types.
// Online, Offline, and Faulted are not simple complements of each other:
// a pure Faulted state is neither Online nor Offline, and FaultedOffline
// is both Offline and Faulted.
type State interface {
	// Name identifies the state for logging and equality checks.
	Name() string
	// Online reports whether this state fully serves reads/writes.
	Online() bool
	// Offline reports whether this state belongs to the Offline capability
	// set {Offline, Disconnected, FaultedOffline}.
	Offline() bool
	// Faulted reports whether this state is a fault state (Faulted or
	// FaultedOffline).
	Faulted() bool
	// transitionTo attempts to move from this state to target, returning
	// the resulting state. A request outside the legal transition set is
	// a no-op: the source state is returned unchanged.
	transitionTo(target State) State
}

// TransitionTo attempts to move from to target and reports the resulting
// state. Exported so vdevs (which hold states behind the same interface)
// can drive physical and virtual device transitions uniformly.
func TransitionTo(from, target State) State {
	return from.transitionTo(target)
}

// SameState reports whether two states are the same variant.
func SameState(a, b State) bool {
	return a.Name() == b.Name()
}

type legalSet map[string]struct{}

func legal(names ...string) legalSet {
	s := make(legalSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s legalSet) allows(target State) bool {
	_, ok := s[target.Name()]
	return ok
}

// Physical device states. Initial state is PhysicalOffline.

// PhysicalOnline is the fully serving state of a physical device.
type PhysicalOnline struct{}

func (PhysicalOnline) Name() string    { return "Online" }
func (PhysicalOnline) Online() bool    { return true }
func (PhysicalOnline) Offline() bool   { return false }
func (PhysicalOnline) Faulted() bool   { return false }
func (s PhysicalOnline) transitionTo(target State) State {
	if legal("Offline", "Faulted").allows(target) {
		return target
	}
	return s
}

// PhysicalOffline is the initial, non-serving, non-faulted state.
type PhysicalOffline struct{}

func (PhysicalOffline) Name() string  { return "Offline" }
func (PhysicalOffline) Online() bool  { return false }
func (PhysicalOffline) Offline() bool { return true }
func (PhysicalOffline) Faulted() bool { return false }
func (s PhysicalOffline) transitionTo(target State) State {
	if legal("Online", "Disconnected").allows(target) {
		return target
	}
	return s
}

// PhysicalFaulted is reached from an online device that has failed.
type PhysicalFaulted struct{}

func (PhysicalFaulted) Name() string  { return "Faulted" }
func (PhysicalFaulted) Online() bool  { return false }
func (PhysicalFaulted) Offline() bool { return false }
func (PhysicalFaulted) Faulted() bool { return true }
func (s PhysicalFaulted) transitionTo(target State) State {
	if legal("FaultedOffline", "Online").allows(target) {
		return target
	}
	return s
}

// PhysicalFaultedOffline is both offline and faulted.
type PhysicalFaultedOffline struct{}

func (PhysicalFaultedOffline) Name() string  { return "FaultedOffline" }
func (PhysicalFaultedOffline) Online() bool  { return false }
func (PhysicalFaultedOffline) Offline() bool { return true }
func (PhysicalFaultedOffline) Faulted() bool { return true }
func (s PhysicalFaultedOffline) transitionTo(target State) State {
	if legal("Faulted").allows(target) {
		return target
	}
	return s
}

// PhysicalDisconnected is an offline state reached deliberately, distinct
// from a fault.
type PhysicalDisconnected struct{}

func (PhysicalDisconnected) Name() string  { return "Disconnected" }
func (PhysicalDisconnected) Online() bool  { return false }
func (PhysicalDisconnected) Offline() bool { return true }
func (PhysicalDisconnected) Faulted() bool { return false }
func (s PhysicalDisconnected) transitionTo(target State) State {
	if legal("Offline", "FaultedOffline").allows(target) {
		return target
	}
	return s
}

// Virtual device states. Initial state is VirtualOffline, which a vdev
// immediately recomputes via self-check on construction.

// VirtualOnline mirrors PhysicalOnline for vdevs.
type VirtualOnline struct{}

func (VirtualOnline) Name() string  { return "Online" }
func (VirtualOnline) Online() bool  { return true }
func (VirtualOnline) Offline() bool { return false }
func (VirtualOnline) Faulted() bool { return false }
func (s VirtualOnline) transitionTo(target State) State {
	if legal("Offline", "Faulted", "Degraded").allows(target) {
		return target
	}
	return s
}

// VirtualOffline mirrors PhysicalOffline for vdevs.
type VirtualOffline struct{}

func (VirtualOffline) Name() string  { return "Offline" }
func (VirtualOffline) Online() bool  { return false }
func (VirtualOffline) Offline() bool { return true }
func (VirtualOffline) Faulted() bool { return false }
func (s VirtualOffline) transitionTo(target State) State {
	if legal("Online", "Faulted", "Degraded").allows(target) {
		return target
	}
	return s
}

// VirtualFaulted mirrors PhysicalFaulted for vdevs.
type VirtualFaulted struct{}

func (VirtualFaulted) Name() string  { return "Faulted" }
func (VirtualFaulted) Online() bool  { return false }
func (VirtualFaulted) Offline() bool { return false }
func (VirtualFaulted) Faulted() bool { return true }
func (s VirtualFaulted) transitionTo(target State) State {
	if legal("FaultedOffline", "Online", "Degraded").allows(target) {
		return target
	}
	return s
}

// VirtualFaultedOffline mirrors PhysicalFaultedOffline for vdevs.
type VirtualFaultedOffline struct{}

func (VirtualFaultedOffline) Name() string  { return "FaultedOffline" }
func (VirtualFaultedOffline) Online() bool  { return false }
func (VirtualFaultedOffline) Offline() bool { return true }
func (VirtualFaultedOffline) Faulted() bool { return true }
func (s VirtualFaultedOffline) transitionTo(target State) State {
	if legal("Faulted").allows(target) {
		return target
	}
	return s
}

// VirtualDegraded is an operational-but-reduced state, neither online,
// offline, nor faulted. It is reachable from every operational source
// state and so is assigned directly rather than through transitionTo.
type VirtualDegraded struct{}

func (VirtualDegraded) Name() string  { return "Degraded" }
func (VirtualDegraded) Online() bool  { return false }
func (VirtualDegraded) Offline() bool { return false }
func (VirtualDegraded) Faulted() bool { return false }
func (s VirtualDegraded) transitionTo(target State) State {
	if legal("Offline", "Online", "Faulted").allows(target) {
		return target
	}
	return s
}
