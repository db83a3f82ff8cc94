package store

import (
	"database/sql"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/jmoiron/sqlx"
)

// RemoteUserStore provides database operations for the remote user cache.
// Rows are read-through mirrors; only inbox handlers write them.
type RemoteUserStore interface {
	// Get retrieves a cached remote user by (nodeName, remoteID).
	Get(nodeName, remoteID string) (*models.RemoteUser, error)
	// Upsert inserts or refreshes a cache row.
	Upsert(user *models.RemoteUser) error
}

type postgresRemoteUserStore struct {
	db *sqlx.DB
}

func NewRemoteUsers(dbconn *sqlx.DB) RemoteUserStore {
	return &postgresRemoteUserStore{db: dbconn}
}

func (s *postgresRemoteUserStore) Get(nodeName, remoteID string) (*models.RemoteUser, error) {
	var user models.RemoteUser
	err := s.db.Get(&user, `SELECT * FROM remote_users WHERE node_name = $1 AND remote_id = $2;`, nodeName, remoteID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &user, err
}

func (s *postgresRemoteUserStore) Upsert(user *models.RemoteUser) error {
	stmt := `
	INSERT INTO remote_users (node_name, remote_id, handle, display_name, avatar, avatar_url, cached, updated)
	VALUES (:node_name, :remote_id, :handle, :display_name, :avatar, :avatar_url, :cached, :updated)
	ON CONFLICT (node_name, remote_id)
	DO UPDATE SET
		handle = :handle,
		display_name = :display_name,
		avatar = :avatar,
		avatar_url = :avatar_url,
		updated = :updated
	;`
	_, err := s.db.NamedExec(stmt, user)
	return err
}

// RemotePingStore provides database operations for the remote ping cache.
type RemotePingStore interface {
	// Get retrieves a cached remote ping by (nodeName, remoteID).
	Get(nodeName, remoteID string) (*models.RemotePing, error)
	// GetByWave retrieves a wave's cached remote pings in send order.
	GetByWave(waveID string) ([]*models.RemotePing, error)
	// Upsert inserts or refreshes a cache row.
	Upsert(ping *models.RemotePing) error
	// Delete removes a cached ping, if present.
	Delete(nodeName, remoteID string) error
}

type postgresRemotePingStore struct {
	db *sqlx.DB
}

func NewRemotePings(dbconn *sqlx.DB) RemotePingStore {
	return &postgresRemotePingStore{db: dbconn}
}

func (s *postgresRemotePingStore) Get(nodeName, remoteID string) (*models.RemotePing, error) {
	var ping models.RemotePing
	err := s.db.Get(&ping, `SELECT * FROM remote_pings WHERE node_name = $1 AND remote_id = $2;`, nodeName, remoteID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &ping, err
}

func (s *postgresRemotePingStore) GetByWave(waveID string) ([]*models.RemotePing, error) {
	pings := []*models.RemotePing{}
	err := s.db.Select(&pings, `SELECT * FROM remote_pings WHERE wave_id = $1 ORDER BY sent;`, waveID)
	if err != nil {
		return nil, err
	}
	return pings, nil
}

func (s *postgresRemotePingStore) Upsert(ping *models.RemotePing) error {
	stmt := `
	INSERT INTO remote_pings (node_name, remote_id, wave_id, author_handle, body, sent, edited, cached, updated)
	VALUES (:node_name, :remote_id, :wave_id, :author_handle, :body, :sent, :edited, :cached, :updated)
	ON CONFLICT (node_name, remote_id)
	DO UPDATE SET
		body = :body,
		edited = :edited,
		updated = :updated
	;`
	_, err := s.db.NamedExec(stmt, ping)
	return err
}

func (s *postgresRemotePingStore) Delete(nodeName, remoteID string) error {
	_, err := s.db.Exec(`DELETE FROM remote_pings WHERE node_name = $1 AND remote_id = $2;`, nodeName, remoteID)
	return err
}
