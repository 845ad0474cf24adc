package dispute

import "time"

// Status represents the lifecycle of a dispute record. A dispute starts
// under review and moves to exactly one terminal state; there are no
// transitions out of a terminal state.
type Status string

const (
	StatusUnderReview     Status = "under_review"
	StatusResolvedValid   Status = "resolved_valid"
	StatusResolvedInvalid Status = "resolved_invalid"
	StatusClosed          Status = "closed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolvedValid, StatusResolvedInvalid, StatusClosed:
		return true
	default:
		return false
	}
}

// IssueType is the client-selected complaint category.
type IssueType string

const (
	IssueCounselorNoShow  IssueType = "counselor_did_not_join"
	IssueTechnicalFailure IssueType = "technical_failure"
	IssueConductComplaint IssueType = "conduct_complaint"
	IssueSessionCutShort  IssueType = "session_cut_short"
	IssueOther            IssueType = "other"
)

func validIssueType(t IssueType) bool {
	switch t {
	case IssueCounselorNoShow, IssueTechnicalFailure, IssueConductComplaint, IssueSessionCutShort, IssueOther:
		return true
	default:
		return false
	}
}

// Record mirrors the disputes table.
type Record struct {
	ID               string
	BookingID        string
	Status           Status
	IssueType        IssueType
	Description      string
	NeedFollowUpCall bool
	Resolution       *string
	DisputedAt       time.Time
	ResolvedAt       *time.Time
	UpdatedAt        time.Time
}

// Evidence is a reference to a client-submitted file stored elsewhere.
type Evidence struct {
	Position int
	FileName string
	FileType string
	FileSize int64
	URL      string
}

// Activity log actions.
const (
	ActionFiled     = "filed"
	ActionNoteAdded = "note_added"
	ActionResolved  = "resolved"
)

// Event is one append-only activity log entry.
type Event struct {
	ID        int64
	DisputeID string
	Seq       int
	Role      string
	Action    string
	Comment   string
	At        time.Time
}

type Filters struct {
	Status    Status
	BookingID string
	ClientID  string
	Page      int
	PageSize  int
}
