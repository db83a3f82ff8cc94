package models

import "time"

// Wave federation states.
const (
	// WaveStateLocal means no federated participants; nothing fans out.
	WaveStateLocal = "local"
	// WaveStateOrigin means this instance created the wave and is its sole
	// writer; every content mutation fans out to the registered node set.
	WaveStateOrigin = "origin"
	// WaveStateParticipant means this wave mirrors one homed on another node.
	WaveStateParticipant = "participant"
)

// Wave is a conversation. Content semantics live elsewhere; the federation
// layer only cares about where a wave is homed and who mirrors it.
type Wave struct {
	ID              string `db:"id"`
	Title           string `db:"title"`
	FederationState string `db:"federation_state"`
	// OriginNode/OriginWaveID point at the wave's home for participant waves.
	// Together they form the natural key that keeps remote invite processing
	// idempotent. Immutable once set. Empty for local and origin waves.
	OriginNode   *string   `db:"origin_node"`
	OriginWaveID *string   `db:"origin_wave_id"`
	CreatedBy    string    `db:"created_by"`
	CreatedAt    time.Time `db:"created"`
	UpdatedAt    time.Time `db:"updated"`
}

// WaveNode is one fan-out target of an origin wave.
type WaveNode struct {
	WaveID   string    `db:"wave_id"`
	NodeName string    `db:"node_name"`
	Status   string    `db:"status"`
	AddedAt  time.Time `db:"added"`
}

// WaveMember links a local user into a wave.
type WaveMember struct {
	WaveID  string    `db:"wave_id"`
	UserID  string    `db:"user_id"`
	AddedAt time.Time `db:"added"`
}

// Ping is a single message in a wave, authored locally.
type Ping struct {
	ID        string     `db:"id"`
	WaveID    string     `db:"wave_id"`
	AuthorID  string     `db:"author_id"`
	Body      string     `db:"body"`
	CreatedAt time.Time  `db:"created"`
	EditedAt  *time.Time `db:"edited"`
}

// User is a local account, as far as federation needs to know about one.
type User struct {
	ID          string    `db:"id"`
	Handle      string    `db:"handle"`
	DisplayName string    `db:"display_name"`
	Avatar      string    `db:"avatar"`
	AvatarURL   string    `db:"avatar_url"`
	Bio         string    `db:"bio"`
	CreatedAt   time.Time `db:"created"`
}
