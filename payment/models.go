package payment

import "time"

// All monetary amounts are integer paise (INR). The gateway settles in the
// smallest currency unit, so no floating point ever touches money here.

// Record mirrors the payments table. It is written once when the gateway
// confirms capture and read-only afterwards; dispute resolution never
// mutates the underlying payment.
type Record struct {
	ID              string
	BookingID       string
	OrderRef        string
	PaymentRef      string
	Amount          int64
	Fee             int64
	Tax             int64
	PlatformFee     int64
	CounselorPayout int64
	NetAmount       int64
	Currency        string
	CreatedAt       time.Time
}

type PayoutStatus string

const (
	PayoutHeld     PayoutStatus = "held"
	PayoutReleased PayoutStatus = "released"
	PayoutRefunded PayoutStatus = "refunded"
)

// Payout is the settlement row for a booking: funds start held and move to
// exactly one of released (to counselor) or refunded (to client).
type Payout struct {
	ID                string
	BookingID         string
	Status            PayoutStatus
	AmountToCounselor int64
	AmountToClient    int64
	ReleasedAt        *time.Time
	RefundedAt        *time.Time
	UpdatedAt         time.Time
}
