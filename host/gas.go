package host

// GasMeter tracks gas consumption against a fixed budget for one call.
//
// A meter is owned by a single call and is not safe for concurrent use. The
// exhausted flag, once set, is permanent for the life of the meter; outcome
// mapping reads it to attribute traps to gas exhaustion deterministically,
// independent of how the execution engine surfaced the interruption.
type GasMeter struct {
	limit     uint64
	consumed  uint64
	exhausted bool
}

// NewGasMeter creates a meter with the given budget.
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// Burn charges amount against the budget. It returns false when the charge
// does not fit; in that case consumption is clamped to the limit and the
// meter is marked exhausted. Further charges keep returning false.
func (m *GasMeter) Burn(amount uint64) bool {
	if m.exhausted {
		return false
	}
	if amount > m.limit-m.consumed {
		m.consumed = m.limit
		m.exhausted = true
		return false
	}
	m.consumed += amount
	return true
}

// Consumed returns the gas burned so far. Equals the limit once exhausted.
func (m *GasMeter) Consumed() uint64 {
	return m.consumed
}

// Remaining returns the unspent budget.
func (m *GasMeter) Remaining() uint64 {
	return m.limit - m.consumed
}

// Limit returns the total budget.
func (m *GasMeter) Limit() uint64 {
	return m.limit
}

// Exhausted reports whether a charge has ever failed.
func (m *GasMeter) Exhausted() bool {
	return m.exhausted
}
