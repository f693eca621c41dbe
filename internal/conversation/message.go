package conversation

import (
	"strings"
	"time"

	"github.com/bianca-health/wellcall/internal/database/models"
)

// Role identifies who produced a message.
type Role string

const (
	RolePatient Role = "patient"
	RoleAI      Role = "ai"
	RoleSystem  Role = "system"
)

// Fragment is one final transcript fragment as delivered by the speech
// stream, before ordering.
type Fragment struct {
	Turn       int
	FragmentID string
	Role       Role
	Text       string
	SourceTime time.Time
	ArrivedAt  time.Time
}

// TurnEnd closes a turn and announces how many final fragments it carried.
type TurnEnd struct {
	Turn      int
	Role      Role
	Fragments int
}

// Message is a sequenced transcript entry.
type Message struct {
	CallID     string
	Seq        int
	Turn       int
	FragmentID string
	Role       Role
	Content    string
	SourceTime time.Time
	ArrivedAt  time.Time
	// Degraded marks messages released outside turn order.
	Degraded bool
}

// ReleasedTurn is a batch of messages the window released together.
type ReleasedTurn struct {
	Turn     int
	Role     Role
	Messages []Message
	Degraded bool
}

// Text joins the turn's message contents.
func (r ReleasedTurn) Text() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		if s := strings.TrimSpace(m.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Span returns the first and last sequence numbers of the turn.
func (r ReleasedTurn) Span() (int, int) {
	if len(r.Messages) == 0 {
		return 0, 0
	}
	return r.Messages[0].Seq, r.Messages[len(r.Messages)-1].Seq
}

// Transcript is the ordered record of one call.
type Transcript struct {
	CallID           string
	Messages         []Message
	OrderingDegraded bool
	Final            bool
}

// Turns counts distinct non-system turns in the transcript.
func (t Transcript) Turns() int {
	seen := make(map[int]bool)
	for _, m := range t.Messages {
		if m.Role != RoleSystem {
			seen[m.Turn] = true
		}
	}
	return len(seen)
}

// Records converts the transcript into persisted rows.
func (t Transcript) Records(attempt int) []models.TranscriptMessage {
	out := make([]models.TranscriptMessage, len(t.Messages))
	for i, m := range t.Messages {
		out[i] = models.TranscriptMessage{
			CallID:     t.CallID,
			Attempt:    attempt,
			Seq:        m.Seq,
			Turn:       m.Turn,
			Role:       string(m.Role),
			Content:    m.Content,
			Degraded:   m.Degraded,
			SourceTime: m.SourceTime,
			ArrivedAt:  m.ArrivedAt,
		}
	}
	return out
}
