package state

// Decision is the outcome of negotiating a device report against a
// pending operator request.
type Decision struct {
	// State is the effective state handed back to the device.
	State string
	// ClearRequest is true when the pending request must be discarded
	// before the row is persisted.
	ClearRequest bool
}

// Decide reconciles a device report against the previously stored row.
//
// A pending request is live iff it is non-empty, its optional time window
// contains now, and it differs from what the device already reports. A
// request equal to the reported state counts as satisfied and is cleared
// rather than re-issued, otherwise a stale request would be redelivered
// forever.
//
// A live request is only handed back when it is part of the vocabulary
// the device declared in this report. Outside the vocabulary it stays
// pending, a later report with a different vocabulary may still satisfy it.
func Decide(stored Row, currentState string, possibleStates []string, now int64) Decision {
	requested := stored.RequestedState
	if requested == "" {
		return Decision{State: currentState}
	}

	startOK := stored.RequestedStateStart == 0 || now >= stored.RequestedStateStart
	expireOK := stored.RequestedStateExpire == 0 || now <= stored.RequestedStateExpire
	live := startOK && expireOK && requested != currentState
	if !live {
		return Decision{State: currentState, ClearRequest: true}
	}

	for _, s := range possibleStates {
		if s == requested {
			return Decision{State: requested}
		}
	}
	return Decision{State: currentState}
}
