package wallet

import "testing"

func TestComputeRefund_Partial(t *testing.T) {
	// 30 pre-paid minutes, 20 consumed: a third of the cost comes back.
	calc := ComputeRefund(10000, 30, 1200, false)
	if calc.RefundMinor != 3333 {
		t.Fatalf("expected 3333 minor, got %d", calc.RefundMinor)
	}
	if calc.RemainingMinutes != 10 {
		t.Fatalf("expected 10 remaining minutes, got %v", calc.RemainingMinutes)
	}
	if calc.RealizedMinutes != 20 {
		t.Fatalf("expected 20 realized minutes, got %v", calc.RealizedMinutes)
	}
}

func TestComputeRefund_Full(t *testing.T) {
	calc := ComputeRefund(10000, 30, 1200, true)
	if calc.RefundMinor != 10000 {
		t.Fatalf("full refund must return entire cost, got %d", calc.RefundMinor)
	}
	if calc.RemainingMinutes != 30 {
		t.Fatalf("expected full duration remaining, got %v", calc.RemainingMinutes)
	}
	if calc.RealizedMinutes != 0 {
		t.Fatalf("full refund realizes no minutes, got %v", calc.RealizedMinutes)
	}
}

func TestComputeRefund_OverrunClampsToZero(t *testing.T) {
	calc := ComputeRefund(10000, 30, 2400, false)
	if calc.RefundMinor != 0 {
		t.Fatalf("expected no refund after overrun, got %d", calc.RefundMinor)
	}
	if calc.RemainingMinutes != 0 {
		t.Fatalf("remaining must clamp at zero, got %v", calc.RemainingMinutes)
	}
}

func TestComputeRefund_NegativeElapsedTreatedAsZero(t *testing.T) {
	calc := ComputeRefund(10000, 30, -5, false)
	if calc.RefundMinor != 10000 {
		t.Fatalf("expected full cost back, got %d", calc.RefundMinor)
	}
}

func TestComputeRefund_ZeroSelectedMinutesYieldsNothing(t *testing.T) {
	for _, selected := range []int{0, -10} {
		calc := ComputeRefund(10000, selected, 60, false)
		if calc.RefundMinor != 0 || calc.RemainingMinutes != 0 {
			t.Fatalf("selected=%d: expected zero refund, got %+v", selected, calc)
		}
		if calc.RealizedMinutes != 1 {
			t.Fatalf("selected=%d: realized minutes must still be reported, got %v", selected, calc.RealizedMinutes)
		}
	}
}

func TestComputeRefund_RoundsToNearestMinorUnit(t *testing.T) {
	// 2 of 3 minutes unused: 1000 * 2/3 = 666.67, rounds to 667.
	calc := ComputeRefund(1000, 3, 60, false)
	if calc.RefundMinor != 667 {
		t.Fatalf("expected 667 minor, got %d", calc.RefundMinor)
	}

	// Fractional elapsed time: 90s consumed of 3 minutes leaves 1.5 minutes.
	calc = ComputeRefund(1000, 3, 90, false)
	if calc.RemainingMinutes != 1.5 {
		t.Fatalf("expected 1.5 remaining minutes, got %v", calc.RemainingMinutes)
	}
	if calc.RefundMinor != 500 {
		t.Fatalf("expected 500 minor, got %d", calc.RefundMinor)
	}
}
