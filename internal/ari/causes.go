package ari

import (
	"strconv"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// Q.850 hangup causes reported by the media server.
const (
	CauseUnallocated       = 1
	CauseNormalClearing    = 16
	CauseUserBusy          = 17
	CauseNoUserResponse    = 18
	CauseNoAnswer          = 19
	CauseCallRejected      = 21
	CauseInvalidNumber     = 28
	CauseNormalUnspecified = 31
)

// OutcomeForCause maps a hangup cause to a terminal outcome. answered
// reports whether the patient leg was ever answered.
func OutcomeForCause(cause int, answered bool) models.Outcome {
	if answered {
		// Once connected, any hangup is a finished conversation.
		return models.OutcomeCompleted
	}
	switch cause {
	case CauseUserBusy:
		return models.OutcomeBusy
	case CauseNoUserResponse, CauseNoAnswer, CauseCallRejected:
		return models.OutcomeNoAnswer
	default:
		return models.OutcomeFailed
	}
}

// CauseText returns a short description of a hangup cause.
func CauseText(cause int) string {
	switch cause {
	case 0:
		return "unknown"
	case CauseUnallocated:
		return "unallocated number"
	case CauseNormalClearing:
		return "normal clearing"
	case CauseUserBusy:
		return "user busy"
	case CauseNoUserResponse:
		return "no user responding"
	case CauseNoAnswer:
		return "no answer"
	case CauseCallRejected:
		return "call rejected"
	case CauseInvalidNumber:
		return "invalid number format"
	case CauseNormalUnspecified:
		return "normal, unspecified"
	case 34:
		return "no circuit available"
	case 38:
		return "network out of order"
	case 41:
		return "temporary failure"
	case 42:
		return "switching equipment congestion"
	default:
		return "cause " + strconv.Itoa(cause)
	}
}
