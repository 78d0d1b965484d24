package cycle

// StatusCodes maps raw status-field values to cleaning states. The vendor
// protocol is reverse-engineered and the code semantics are unverified, so
// the mapping is data and can be swapped per device model.
type StatusCodes map[int]State

// DefaultStatusCodes returns the mapping observed on current firmware.
func DefaultStatusCodes() StatusCodes {
	return StatusCodes{
		0: StateDocked,
		1: StateWashing,
		2: StateCharging,
		3: StateCharging,
		4: StateCleaning,
		5: StateCleaning,
		6: StateCleaning,
		7: StateGoingHome,
		8: StateCleaning, // cruising
	}
}

// Lookup resolves a status code, defaulting to StateUnknown.
func (m StatusCodes) Lookup(code int) State {
	if state, ok := m[code]; ok {
		return state
	}
	return StateUnknown
}
