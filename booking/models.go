package booking

import "time"

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Disputable reports whether a booking in this status may have a dispute
// filed against it. Only sessions that actually ran (or demonstrably failed
// to run) can be contested.
func (s Status) Disputable() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record mirrors the bookings table.
type Record struct {
	ID          string
	ClientID    string
	CounselorID string
	Topic       string
	ScheduledAt time.Time
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Filters struct {
	ClientID    string
	CounselorID string
	Status      Status
	Page        int
	PageSize    int
}
