package calls

// Rank orders statuses along SCHEDULED -> IN_PROGRESS -> terminal.
// Unknown statuses rank below SCHEDULED so they can never overwrite anything.
func Rank(s CallStatus) int {
	switch s {
	case CallStatusScheduled:
		return 0
	case CallStatusInProgress:
		return 1
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return 2
	default:
		return -1
	}
}

func IsTerminal(s CallStatus) bool { return Rank(s) == 2 }

func IsValid(s CallStatus) bool { return Rank(s) >= 0 }

// CanTransition reports whether a record in from may move to to.
// Transitions are strictly forward, so terminal records never change status.
func CanTransition(from, to CallStatus) bool {
	if !IsValid(to) {
		return false
	}
	return Rank(to) > Rank(from)
}

// lowerRanked returns the statuses a record may currently hold for a write
// of to to be accepted. Used to build conditional updates.
func lowerRanked(to CallStatus) []CallStatus {
	var out []CallStatus
	for _, s := range AllStatuses {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}
