package model

import "time"

// RoundTableStatus is the lifecycle state of a deliberation.
type RoundTableStatus string

const (
	RoundTableOpen     RoundTableStatus = "open"
	RoundTableResolved RoundTableStatus = "resolved"
	RoundTableExpired  RoundTableStatus = "expired"
)

// Terminal reports whether the round table accepts no further activity.
func (s RoundTableStatus) Terminal() bool {
	return s == RoundTableResolved || s == RoundTableExpired
}

// Round-table bounds, enforced at create and speak time.
const (
	MaxRoundTableParticipants = 20
	MaxThreadLength           = 200
	MaxSpeakChars             = 10000
	MaxRoundTableMinutes      = 10080 // 7 days
)

// ThreadEntry is one utterance in a round-table thread.
type ThreadEntry struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RoundTable is an ephemeral bounded deliberation layered on a backing
// invite-only group. Participants equals the backing group's membership
// minus the facilitator.
type RoundTable struct {
	ID           string           `json:"id"`
	Topic        string           `json:"topic"`
	Goal         string           `json:"goal"`
	Facilitator  string           `json:"facilitator"`
	Participants []string         `json:"participants"`
	GroupID      string           `json:"group_id"`
	Status       RoundTableStatus `json:"status"`
	Thread       []ThreadEntry    `json:"thread"`
	Outcome      string           `json:"outcome,omitempty"`
	Decision     string           `json:"decision,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}

// HasParticipant reports whether the agent is an enrolled participant.
func (rt *RoundTable) HasParticipant(agentID string) bool {
	for _, p := range rt.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// CanView reports whether the agent may read the round table.
func (rt *RoundTable) CanView(agentID string) bool {
	return agentID == rt.Facilitator || rt.HasParticipant(agentID)
}
