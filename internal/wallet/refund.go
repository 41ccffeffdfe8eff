package wallet

import "math"

// RefundCalc is the result of the pure refund computation for a pre-paid
// consultation that ended early.
type RefundCalc struct {
	// RefundMinor is the amount to credit back, in minor units.
	RefundMinor int64

	// RemainingMinutes is the unused (and thus refundable) portion of the
	// pre-paid duration. Fractional; 90 seconds elapsed leaves x.5 minutes.
	RemainingMinutes float64

	// RealizedMinutes is what the caller actually consumed.
	RealizedMinutes float64
}

// ComputeRefund derives the refundable amount from what was pre-paid and
// what was actually consumed.
//
// A full refund returns the entire cost regardless of elapsed time (used
// when the expert never showed or the call never connected). A partial
// refund is proportional: cost * remaining / selected, rounded half away
// from zero to the nearest minor unit.
//
// Negative elapsed time is treated as zero. Elapsed time beyond the
// pre-paid window clamps the remainder to zero rather than going negative.
// A non-positive pre-paid duration has nothing refundable pro rata; the
// partial computation yields zero instead of dividing by it.
func ComputeRefund(costMinor int64, selectedMinutes int, elapsedSeconds int, full bool) RefundCalc {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	realized := float64(elapsedSeconds) / 60.0

	if full {
		return RefundCalc{
			RefundMinor:      costMinor,
			RemainingMinutes: float64(selectedMinutes),
			RealizedMinutes:  0,
		}
	}

	if selectedMinutes <= 0 {
		return RefundCalc{RealizedMinutes: realized}
	}

	remaining := float64(selectedMinutes) - realized
	if remaining < 0 {
		remaining = 0
	}

	refund := int64(math.Round(float64(costMinor) * remaining / float64(selectedMinutes)))
	return RefundCalc{
		RefundMinor:      refund,
		RemainingMinutes: remaining,
		RealizedMinutes:  realized,
	}
}
