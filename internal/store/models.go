package store

import "time"

type Session struct {
	ID               string
	Code             string
	Title            string
	FacilitatorEmail *string
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}

type Participant struct {
	ID           string
	SessionID    string
	DisplayName  string
	ConsentGiven bool
	IsVisible    bool
	CreatedAt    time.Time
}

type IdentityItem struct {
	ID            string
	ParticipantID string
	Lens          string
	Type          string
	Label         *string
	Value         string
	Weight        int
	CreatedAt     time.Time
}

// Event is a write-only audit record. The application never reads these
// back; they exist for facilitator-side forensics.
type Event struct {
	ID            string
	SessionID     string
	ParticipantID *string
	EventType     string
	Payload       map[string]any
	CreatedAt     time.Time
}
