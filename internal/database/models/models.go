package models

import "time"

// Outcome is the terminal result of one call attempt.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeNoAnswer      Outcome = "no_answer"
	OutcomeBusy          Outcome = "busy"
	OutcomeFailed        Outcome = "failed"
	OutcomeAIUnavailable Outcome = "ai_unavailable"
)

// Outcomes lists every terminal outcome in a stable order.
var Outcomes = []Outcome{
	OutcomeCompleted,
	OutcomeNoAnswer,
	OutcomeBusy,
	OutcomeFailed,
	OutcomeAIUnavailable,
}

// Valid reports whether o names a terminal outcome.
func (o Outcome) Valid() bool {
	for _, known := range Outcomes {
		if o == known {
			return true
		}
	}
	return false
}

// CallRecord is the persisted summary of one terminated call attempt.
type CallRecord struct {
	ID               int64
	CallID           string
	Attempt          int
	PatientID        string
	OrganizationID   string
	PhoneNumber      string
	State            string // terminal state name: "terminated" or "faulted"
	Outcome          Outcome
	Cause            string
	HangupCode       int
	ChannelID        string
	BridgeID         string
	OrderingDegraded bool
	StartedAt        time.Time
	AnsweredAt       *time.Time
	EndedAt          time.Time
}

// TranscriptMessage is one sequenced message of a finalized transcript.
type TranscriptMessage struct {
	CallID     string
	Attempt    int
	Seq        int
	Turn       int
	Role       string
	Content    string
	Degraded   bool
	SourceTime time.Time
	ArrivedAt  time.Time
}

// Alert is a caregiver-facing, deduplicated emergency alert.
type Alert struct {
	ID         string
	PatientID  string
	Category   string
	DedupKey   string
	Confidence float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
	Evidence   []AlertEvidence
}

// AlertEvidence points at the transcript span that supported an alert.
type AlertEvidence struct {
	CallID     string
	FromSeq    int
	ToSeq      int
	Excerpt    string
	Confidence float64
	DetectedAt time.Time
}

// RetryState tracks dial attempts for one logical call.
type RetryState struct {
	CallID         string
	OrganizationID string
	PatientID      string
	PhoneNumber    string
	Attempts       int
	LastOutcome    Outcome
	LastAttemptAt  time.Time
	NextEligibleAt *time.Time
	InFlight       bool
	Pending        bool
	Exhausted      bool
	UpdatedAt      time.Time
}

// RetryPolicyRecord is an organization's stored retry policy as raw JSON.
type RetryPolicyRecord struct {
	OrganizationID string
	Policy         string // JSON
	UpdatedAt      time.Time
}

// CaregiverDevice is a push token registered for a patient's caregiver.
type CaregiverDevice struct {
	ID          int64
	PatientID   string
	CaregiverID string
	Platform    string // "ios" | "android"
	Token       string
	CreatedAt   time.Time
}
