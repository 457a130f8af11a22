package task

var stateTransitionMap = map[State][]State{
	Waiting:   {Running, Cancelled},
	Running:   {Waiting, Done, Cancelled},
	Done:      {},
	Cancelled: {},
}

func Contains(states []State, state State) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func ValidStateTransition(src State, dst State) bool {
	return Contains(stateTransitionMap[src], dst)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(stateTransitionMap[s]) == 0
}

// Transition moves t to dst or explains why it can't.
func (t *Task) Transition(dst State) error {
	if !ValidStateTransition(t.Status, dst) {
		return &TransitionError{From: t.Status, To: dst}
	}
	t.Status = dst
	return nil
}
