package models

import "time"

// RemoteUser is a read-only mirror of a user on another node, keyed by
// (node_name, remote_id). Only inbox handlers may write these rows.
type RemoteUser struct {
	NodeName    string    `db:"node_name"`
	RemoteID    string    `db:"remote_id"`
	Handle      string    `db:"handle"`
	DisplayName string    `db:"display_name"`
	Avatar      string    `db:"avatar"`
	AvatarURL   string    `db:"avatar_url"`
	CachedAt    time.Time `db:"cached"`
	UpdatedAt   time.Time `db:"updated"`
}

// RemotePing is a read-only mirror of a ping homed on another node, keyed by
// (node_name, remote_id). Only inbox handlers may write these rows.
type RemotePing struct {
	NodeName string `db:"node_name"`
	// RemoteID is the ping's id on its origin node, globally unique there.
	RemoteID string `db:"remote_id"`
	// WaveID is the local participant wave the ping was filed into.
	WaveID       string     `db:"wave_id"`
	AuthorHandle string     `db:"author_handle"`
	Body         string     `db:"body"`
	SentAt       time.Time  `db:"sent"`
	EditedAt     *time.Time `db:"edited"`
	CachedAt     time.Time  `db:"cached"`
	UpdatedAt    time.Time  `db:"updated"`
}
