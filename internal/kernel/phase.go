package kernel

// Phase is a kernel's position in its lifecycle. Transitions are monotonic:
// a kernel never re-enters Pending, and a Ready kernel never returns to
// Provisioning. A kernel that needs re-provisioning is deleted and recreated.
type Phase int32

const (
	PhasePending Phase = iota
	PhaseProvisioning
	PhaseAwaitingReady
	PhaseReady
	PhaseDeleting
	PhaseDeleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "Pending"
	case PhaseProvisioning:
		return "Provisioning"
	case PhaseAwaitingReady:
		return "AwaitingReady"
	case PhaseReady:
		return "Ready"
	case PhaseDeleting:
		return "Deleting"
	case PhaseDeleted:
		return "Deleted"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// phaseTransitions is the complete transition table. Deleting permits a
// self-transition so a failed teardown can be retried, and Failed may still
// move to Deleting so that backend resources can be released.
var phaseTransitions = map[Phase][]Phase{
	PhasePending:       {PhaseProvisioning},
	PhaseProvisioning:  {PhaseAwaitingReady, PhaseDeleting, PhaseFailed},
	PhaseAwaitingReady: {PhaseReady, PhaseDeleting, PhaseFailed},
	PhaseReady:         {PhaseDeleting},
	PhaseDeleting:      {PhaseDeleting, PhaseDeleted, PhaseFailed},
	PhaseDeleted:       {},
	PhaseFailed:        {PhaseDeleting},
}

// CanTransition reports whether the transition from p to next is legal.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Terminal reports whether no further forward progress is possible from p
// other than deletion.
func (p Phase) Terminal() bool {
	return p == PhaseDeleted || p == PhaseFailed
}
