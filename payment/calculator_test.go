package payment

import "testing"

func sessionPayment() Record {
	// 1,500.00 INR session: 2% gateway fee, 18% GST on the fee, 20% platform
	// cut, counselor keeps the rest.
	return Record{
		Amount:          150000,
		Fee:             3000,
		Tax:             540,
		PlatformFee:     30000,
		CounselorPayout: 116460,
		NetAmount:       146460,
		Currency:        "INR",
	}
}

func TestSuggestedAmounts(t *testing.T) {
	p := sessionPayment()
	got := SuggestedAmounts(p)
	if got.RefundAmount != p.CounselorPayout {
		t.Fatalf("expected refund default %d, got %d", p.CounselorPayout, got.RefundAmount)
	}
	if got.PayoutAmount != p.CounselorPayout {
		t.Fatalf("expected payout default %d, got %d", p.CounselorPayout, got.PayoutAmount)
	}
}

func TestClampRefund(t *testing.T) {
	p := sessionPayment()

	if got := ClampRefund(p, 50000); got != 50000 {
		t.Fatalf("expected requested refund kept, got %d", got)
	}
	if got := ClampRefund(p, p.Amount); got != p.Amount {
		t.Fatalf("expected full refund allowed, got %d", got)
	}
	if got := ClampRefund(p, p.Amount+1); got != p.Amount {
		t.Fatalf("expected refund clamped to %d, got %d", p.Amount, got)
	}
}

func TestClampPayout(t *testing.T) {
	p := sessionPayment()

	if got := ClampPayout(p, 100000); got != 100000 {
		t.Fatalf("expected requested payout kept, got %d", got)
	}
	if got := ClampPayout(p, p.CounselorPayout+500); got != p.CounselorPayout {
		t.Fatalf("expected payout clamped to %d, got %d", p.CounselorPayout, got)
	}
	if got := ClampPayout(p, 0); got != 0 {
		t.Fatalf("expected zero payout kept, got %d", got)
	}
}
