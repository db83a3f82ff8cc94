package models

import (
	"encoding/json"
	"time"
)

// Federation message types carried in Envelope.Type. Unknown types are logged
// and acknowledged so newer peers don't get stuck retrying against us.
const (
	MessageTypeWaveInvite  = "wave_invite"
	MessageTypeNewPing     = "new_ping"
	MessageTypePingEdited  = "ping_edited"
	MessageTypePingDeleted = "ping_deleted"
	MessageTypeUserProfile = "user_profile"
	MessageTypeProbe       = "ping"
)

// Outbound message statuses. delivered and failed are terminal.
const (
	OutboundStatusPending   = "pending"
	OutboundStatusDelivered = "delivered"
	OutboundStatusFailed    = "failed"
)

// Inbox log statuses.
const (
	InboxStatusReceived  = "received"
	InboxStatusProcessed = "processed"
)

// Envelope is the wire body posted to a peer's inbox. ID is generated once at
// the origin event and reused for every delivery attempt, making it the
// cross-node idempotency key.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OutboundMessage is a queued delivery that could not be completed
// immediately. Rows are immutable once they reach a terminal status.
type OutboundMessage struct {
	ID          string     `db:"id"`
	TargetNode  string     `db:"target_node"`
	MessageType string     `db:"message_type"`
	Payload     []byte     `db:"payload"`
	Status      string     `db:"status"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	NextRetryAt time.Time  `db:"next_retry"`
	LastError   *string    `db:"last_error"`
	CreatedAt   time.Time  `db:"created"`
	DeliveredAt *time.Time `db:"delivered"`
}

// InboxLogEntry records one federation message id ever seen, for
// deduplication. Status moves received -> processed exactly once.
type InboxLogEntry struct {
	ID          string     `db:"id"`
	SourceNode  string     `db:"source_node"`
	MessageType string     `db:"message_type"`
	ReceivedAt  time.Time  `db:"received"`
	ProcessedAt *time.Time `db:"processed"`
	Status      string     `db:"status"`
}

// WaveInvitePayload invites a remote user into a wave homed on the sender.
type WaveInvitePayload struct {
	Wave              WaveDescriptor     `json:"wave"`
	Participants      []ParticipantEntry `json:"participants"`
	InvitedUserHandle string             `json:"invitedUserHandle"`
}

// WaveDescriptor describes the origin wave being shared.
type WaveDescriptor struct {
	OriginWaveID string    `json:"originWaveId"`
	OriginNode   string    `json:"originNode"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ParticipantEntry is one remote participant listed in an invite.
type ParticipantEntry struct {
	NodeName    string `json:"nodeName"`
	RemoteID    string `json:"remoteId"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	AvatarURL   string `json:"avatarUrl"`
}

// PingPayload carries a new, edited, or deleted ping. For deletes only the
// identifying fields are meaningful.
type PingPayload struct {
	PingID       string     `json:"pingId"`
	OriginNode   string     `json:"originNode"`
	OriginWaveID string     `json:"originWaveId"`
	AuthorHandle string     `json:"authorHandle"`
	Body         string     `json:"body"`
	SentAt       time.Time  `json:"sentAt"`
	EditedAt     *time.Time `json:"editedAt,omitempty"`
}

// UserProfilePayload refreshes the remote user cache.
type UserProfilePayload struct {
	NodeName    string `json:"nodeName"`
	RemoteID    string `json:"remoteId"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	AvatarURL   string `json:"avatarUrl"`
}
