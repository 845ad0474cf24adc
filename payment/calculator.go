package payment

// Suggested holds the amounts pre-filled on the admin resolution form. Both
// default to the counselor payout computed at capture time; the admin can
// override either before submitting.
type Suggested struct {
	RefundAmount int64
	PayoutAmount int64
}

// SuggestedAmounts derives the default resolution amounts from a payment.
func SuggestedAmounts(p Record) Suggested {
	return Suggested{
		RefundAmount: p.CounselorPayout,
		PayoutAmount: p.CounselorPayout,
	}
}

// ClampRefund bounds an admin-entered refund to the amount the client
// actually paid.
func ClampRefund(p Record, requested int64) int64 {
	if requested > p.Amount {
		return p.Amount
	}
	return requested
}

// ClampPayout bounds an admin-entered payout to the counselor share computed
// for the booking at capture time.
func ClampPayout(p Record, requested int64) int64 {
	if requested > p.CounselorPayout {
		return p.CounselorPayout
	}
	return requested
}
